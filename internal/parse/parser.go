// Package parse turns raw channel message text into structured call fields.
//
// Four format families are tried in order and the first match wins: a price
// update with an optional VIP multiple, a markdown discovery post, a bonding
// lifecycle marker, and a legacy Entry/Peak fallback. Anything else is a
// no-match. Extraction failures never escape; they collapse to no-match.
package parse

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/callstream/internal/domain"
)

var (
	// Update lines look like "🎉 2.6x | 💹From 43.7K ↗️ 115.0K within 8m",
	// optionally with a "(6.6x from VIP)" multiple after the first figure.
	// Markdown bold/backtick decoration is tolerated around every field.
	updateRe = regexp.MustCompile("(?is)[🎉🔥🌕⚡️🚀🌙]\\s*\\*?\\*?([0-9]+(?:\\.[0-9]+)?)x\\s*(?:\\(([0-9]+(?:\\.[0-9]+)?)x\\s*from\\s*VIP\\))?\\*?\\*?\\s*[\x60|]*\\s*💹\x60*From\x60*\\s*\\*?\\*?([0-9]+(?:\\.[0-9]+)?)\\s*([KMB]?)\\*?\\*?\\s*↗️\\s*\\*?\\*?([0-9]+(?:\\.[0-9]+)?)\\s*([KMB]?)\\*?\\*?\\s*\x60*within\x60*\\s*(.+?)(?::?\\s|$)")

	// Discovery posts carry a markdown link with the display name, the
	// contract address in backticks, and the announced cap.
	discoveryRe = regexp.MustCompile("(?is)\\[([^\\]]+)\\]\\(https?://[^)]+\\).*?\x60([A-Za-z0-9]{30,})\x60.*?Cap:\x60\\s*\\**([0-9]+(?:\\.[0-9]+)?)\\s*([KMB]?)\\**")

	// Legacy fallback: "Entry: 45K MC Peak: 180K MC (4x)" with an optional
	// leading $TOKEN tag.
	fallbackTokenRe = regexp.MustCompile(`(?i)\$([A-Z][A-Z0-9]*)`)
	fallbackEntryRe = regexp.MustCompile(`(?i)Entry:?\s*([0-9]+(?:\.[0-9]+)?)\s*([KMB])?`)
	fallbackPeakRe  = regexp.MustCompile(`(?i)Peak:?\s*([0-9]+(?:\.[0-9]+)?)\s*([KMB])?`)
	fallbackGainRe  = regexp.MustCompile(`(?i)\(([0-9]+(?:\.[0-9]+)?)x`)
)

// Message parses one message text. The boolean reports whether any format
// family matched; a false return is a normal outcome, not an error.
func Message(text string) (call *domain.ParsedCall, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Debug().Interface("panic", r).Str("text", truncate(text, 50)).
				Msg("parser recovered, treating as no-match")
			call, ok = nil, false
		}
	}()

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, false
	}

	if call, ok := parseUpdate(text); ok {
		return call, true
	}
	if call, ok := parseDiscovery(text); ok {
		return call, true
	}
	if strings.Contains(strings.ToLower(text), "bonded") {
		return &domain.ParsedCall{MessageType: domain.TypeBonding}, true
	}
	return parseFallback(text)
}

// parseUpdate handles the glyph-led progress format. Updates never name
// their token; the linker fills it in from the parent discovery.
func parseUpdate(text string) (*domain.ParsedCall, bool) {
	m := updateRe.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}

	xGain, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil, false
	}
	entryCap, err := magnitude(m[3], m[4])
	if err != nil {
		return nil, false
	}
	peakCap, err := magnitude(m[5], m[6])
	if err != nil {
		return nil, false
	}

	call := &domain.ParsedCall{
		MessageType: domain.TypeUpdate,
		XGain:       domain.Float64(xGain),
		EntryCap:    domain.Float64(entryCap),
		PeakCap:     domain.Float64(peakCap),
		TimeToPeak:  domain.String(strings.TrimSpace(m[7])),
	}
	if m[2] != "" {
		vipX, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return nil, false
		}
		call.VipX = domain.Float64(vipX)
	}
	return call, true
}

// parseDiscovery handles the markdown announcement format. Entry and peak
// start out equal and the multiple is 1.0, the baseline for later updates.
func parseDiscovery(text string) (*domain.ParsedCall, bool) {
	m := discoveryRe.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}

	cap, err := magnitude(m[3], m[4])
	if err != nil {
		return nil, false
	}

	return &domain.ParsedCall{
		MessageType:     domain.TypeDiscovery,
		TokenName:       domain.String(strings.TrimSpace(m[1])),
		ContractAddress: domain.String(strings.TrimSpace(m[2])),
		EntryCap:        domain.Float64(cap),
		PeakCap:         domain.Float64(cap),
		XGain:           domain.Float64(1.0),
	}, true
}

// parseFallback handles the legacy result format. Entry, peak and the
// multiple are all required; the $TOKEN tag is optional. When the text
// mentions VIP the multiple doubles as the VIP figure.
func parseFallback(text string) (*domain.ParsedCall, bool) {
	entryMatch := fallbackEntryRe.FindStringSubmatch(text)
	if entryMatch == nil {
		return nil, false
	}
	entryCap, err := magnitude(entryMatch[1], entryMatch[2])
	if err != nil {
		return nil, false
	}

	peakMatch := fallbackPeakRe.FindStringSubmatch(text)
	if peakMatch == nil {
		return nil, false
	}
	peakCap, err := magnitude(peakMatch[1], peakMatch[2])
	if err != nil {
		return nil, false
	}

	gainMatch := fallbackGainRe.FindStringSubmatch(text)
	if gainMatch == nil {
		return nil, false
	}
	xGain, err := strconv.ParseFloat(gainMatch[1], 64)
	if err != nil {
		return nil, false
	}

	call := &domain.ParsedCall{
		MessageType: domain.TypeUpdate,
		EntryCap:    domain.Float64(entryCap),
		PeakCap:     domain.Float64(peakCap),
		XGain:       domain.Float64(xGain),
	}
	if tokenMatch := fallbackTokenRe.FindStringSubmatch(text); tokenMatch != nil {
		call.TokenName = domain.String(strings.ToUpper(tokenMatch[1]))
	}
	if strings.Contains(strings.ToLower(text), "vip") {
		call.VipX = domain.Float64(xGain)
	}
	return call, true
}

// magnitude parses a numeric string with an optional K/M/B suffix into base
// units: K=1e3, M=1e6, B=1e9, no suffix = 1.
func magnitude(raw, unit string) (float64, error) {
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, err
	}
	switch strings.ToUpper(unit) {
	case "K":
		return value * 1e3, nil
	case "M":
		return value * 1e6, nil
	case "B":
		return value * 1e9, nil
	default:
		return value, nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
