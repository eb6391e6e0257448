package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/callstream/internal/domain"
)

const (
	beanCabalContract  = "944XTHEzqvbCdeLpQzswMYEUcR1zt64E6qFNiDVppump"
	beanCabalDiscovery = "[Bean Cabal (CABAL)](https://pump.fun/coin/" + beanCabalContract + ") `" + beanCabalContract + "` `Cap:` **45.9K**"
)

func TestParseDiscovery(t *testing.T) {
	call, ok := Message(beanCabalDiscovery)
	require.True(t, ok)

	assert.Equal(t, domain.TypeDiscovery, call.MessageType)
	require.NotNil(t, call.TokenName)
	assert.Equal(t, "Bean Cabal (CABAL)", *call.TokenName)
	require.NotNil(t, call.ContractAddress)
	assert.Equal(t, beanCabalContract, *call.ContractAddress)
	require.NotNil(t, call.EntryCap)
	assert.Equal(t, 45900.0, *call.EntryCap)

	// Discoveries are their own baseline: entry equals peak, multiple is 1.
	require.NotNil(t, call.PeakCap)
	assert.Equal(t, *call.EntryCap, *call.PeakCap)
	require.NotNil(t, call.XGain)
	assert.Equal(t, 1.0, *call.XGain)
	assert.Nil(t, call.VipX)
	assert.Nil(t, call.TimeToPeak)
}

func TestParseUpdate(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		xGain    float64
		vipX     *float64
		entryCap float64
		peakCap  float64
		ttp      string
	}{
		{
			name:     "plain update",
			text:     "🎉 2.6x | 💹From 45.9K ↗️ 115.0K within 8m",
			xGain:    2.6,
			entryCap: 45900,
			peakCap:  115000,
			ttp:      "8m",
		},
		{
			name:     "vip update",
			text:     "🔥 5.4x(6.6x from VIP) | 💹From 50.0K ↗️ 270.0K within 5d",
			xGain:    5.4,
			vipX:     domain.Float64(6.6),
			entryCap: 50000,
			peakCap:  270000,
			ttp:      "5d",
		},
		{
			name:     "bold decorated figures",
			text:     "🚀 **3.1x** | 💹From **45.9K** ↗️ **142.3K** within 21m",
			xGain:    3.1,
			entryCap: 45900,
			peakCap:  142300,
			ttp:      "21m",
		},
		{
			name:     "moon glyph crossing magnitudes",
			text:     "🌕 32.7x | 💹From 45.9K ↗️ 1.5M within 2h",
			xGain:    32.7,
			entryCap: 45900,
			peakCap:  1500000,
			ttp:      "2h",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call, ok := Message(tt.text)
			require.True(t, ok)

			assert.Equal(t, domain.TypeUpdate, call.MessageType)
			require.NotNil(t, call.XGain)
			assert.Equal(t, tt.xGain, *call.XGain)
			require.NotNil(t, call.EntryCap)
			assert.Equal(t, tt.entryCap, *call.EntryCap)
			require.NotNil(t, call.PeakCap)
			assert.Equal(t, tt.peakCap, *call.PeakCap)
			require.NotNil(t, call.TimeToPeak)
			assert.Equal(t, tt.ttp, *call.TimeToPeak)

			if tt.vipX != nil {
				require.NotNil(t, call.VipX)
				assert.Equal(t, *tt.vipX, *call.VipX)
			} else {
				assert.Nil(t, call.VipX)
			}

			// Updates never carry their own identity; the linker fills it.
			assert.Nil(t, call.TokenName)
			assert.Nil(t, call.ContractAddress)
		})
	}
}

func TestParseBonding(t *testing.T) {
	call, ok := Message("XYZ has bonded - achievement unlocked")
	require.True(t, ok)

	assert.Equal(t, domain.TypeBonding, call.MessageType)
	assert.Nil(t, call.TokenName)
	assert.Nil(t, call.EntryCap)
	assert.Nil(t, call.PeakCap)
	assert.Nil(t, call.XGain)
	assert.Nil(t, call.VipX)
	assert.Nil(t, call.ContractAddress)
}

func TestParseFallback(t *testing.T) {
	t.Run("with token tag", func(t *testing.T) {
		call, ok := Message("$PEPE Entry: 45K MC Peak: 180K MC (4x)")
		require.True(t, ok)

		assert.Equal(t, domain.TypeUpdate, call.MessageType)
		require.NotNil(t, call.TokenName)
		assert.Equal(t, "PEPE", *call.TokenName)
		assert.Equal(t, 45000.0, *call.EntryCap)
		assert.Equal(t, 180000.0, *call.PeakCap)
		assert.Equal(t, 4.0, *call.XGain)
		assert.Nil(t, call.VipX)
	})

	t.Run("vip mention copies the multiple", func(t *testing.T) {
		call, ok := Message("Entry: 45K MC Peak: 180K MC (4x VIP)")
		require.True(t, ok)

		require.NotNil(t, call.VipX)
		assert.Equal(t, 4.0, *call.VipX)
		assert.Nil(t, call.TokenName)
	})

	t.Run("entry without peak is a no-match", func(t *testing.T) {
		_, ok := Message("Entry: 45K MC (4x)")
		assert.False(t, ok)
	})

	t.Run("missing multiple is a no-match", func(t *testing.T) {
		_, ok := Message("Entry: 45K MC Peak: 180K MC")
		assert.False(t, ok)
	})
}

func TestParseNoMatch(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"whitespace only", "   \n\t  "},
		{"chatter", "gm everyone, market looks great today"},
		{"url only", "https://pump.fun/board"},
		{"glyph without figures", "🚀🚀🚀"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call, ok := Message(tt.text)
			assert.False(t, ok)
			assert.Nil(t, call)
		})
	}
}

func TestMagnitudeSuffixes(t *testing.T) {
	tests := []struct {
		raw  string
		unit string
		want float64
	}{
		{"42.0", "K", 42000},
		{"1.5", "M", 1500000},
		{"2", "B", 2000000000},
		{"995", "", 995},
		{"45.9", "k", 45900},
	}

	for _, tt := range tests {
		t.Run(tt.raw+tt.unit, func(t *testing.T) {
			got, err := magnitude(tt.raw, tt.unit)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("through the update format", func(t *testing.T) {
		call, ok := Message("⚡️ 2.0x | 💹From 42.0K ↗️ 2B within 1h")
		require.True(t, ok)
		assert.Equal(t, 42000.0, *call.EntryCap)
		assert.Equal(t, 2000000000.0, *call.PeakCap)
	})
}

func TestFamilyOrder(t *testing.T) {
	// A text matching both the update and bonding families must resolve as
	// an update: families are tried in a fixed order, first match wins.
	call, ok := Message("🎉 2.0x | 💹From 10K ↗️ 20K within 5m bonded")
	require.True(t, ok)
	assert.Equal(t, domain.TypeUpdate, call.MessageType)
}
