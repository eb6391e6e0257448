// Package linker resolves which discovery an update call belongs to and
// inherits identifying fields from the parent record.
package linker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/callstream/internal/data/cache"
	"github.com/sawpanic/callstream/internal/domain"
	"github.com/sawpanic/callstream/internal/metrics"
)

// Method identifies which candidate source resolved a link.
type Method string

const (
	MethodReply    Method = "reply"
	MethodContract Method = "contract"
	MethodToken    Method = "token"
	MethodNone     Method = "none"
)

// Window bounds how far back the contract and token candidates may reach,
// relative to the event time of the call being linked.
const Window = 24 * time.Hour

// Directory is the lookup surface the linker needs from the primary store.
type Directory interface {
	FindCallByMessageID(ctx context.Context, channelName string, messageID int64) (int64, bool, error)
	GetCallByID(ctx context.Context, id int64) (*domain.CryptoCall, bool, error)
	FindRecentDiscoveryByContract(ctx context.Context, channelName, contract string, since time.Time) (int64, bool, error)
	FindRecentDiscoveryByToken(ctx context.Context, channelName, token string, since time.Time) (int64, bool, error)
}

// Linker resolves parent discoveries for non-discovery calls. Lookups by
// reply and contract are memoized through the cache; the store remains the
// source of truth and a cache miss always falls through to it.
type Linker struct {
	dir   Directory
	cache cache.Cache
	log   zerolog.Logger
}

func New(dir Directory, c cache.Cache, logger zerolog.Logger) *Linker {
	return &Linker{
		dir:   dir,
		cache: c,
		log:   logger.With().Str("component", "linker").Logger(),
	}
}

// parentRef is the slice of a discovery the linker memoizes: enough to link
// and inherit without a second store round trip. Only discoveries are ever
// cached.
type parentRef struct {
	ID              int64   `json:"id"`
	TokenName       *string `json:"token_name,omitempty"`
	ContractAddress *string `json:"contract_address,omitempty"`
}

// Link resolves the parent discovery for call, mutating it in place: it
// sets linked_crypto_call_id and fills token_name and contract_address when
// the parse left them empty. Existing values are never overwritten.
// Discoveries pass through untouched. replyTo is the source message id this
// call replied to, when the event carried one.
//
// Candidates are consulted in fixed priority: reply reference, then exact
// contract address, then exact token name, each scoped to the call's
// channel. Matching on market capitalization is not a candidate.
func (l *Linker) Link(ctx context.Context, call *domain.CryptoCall, replyTo *int64) (Method, error) {
	if call.MessageType == domain.TypeDiscovery {
		return MethodNone, nil
	}

	parent, method, err := l.resolve(ctx, call, replyTo)
	if err != nil {
		return MethodNone, err
	}
	if parent == nil {
		return MethodNone, nil
	}

	call.LinkedCryptoCallID = domain.Int64(parent.ID)
	if call.TokenName == nil && parent.TokenName != nil {
		call.TokenName = parent.TokenName
	}
	if call.ContractAddress == nil && parent.ContractAddress != nil {
		call.ContractAddress = parent.ContractAddress
	}

	l.log.Debug().
		Int64("parent_id", parent.ID).
		Str("method", string(method)).
		Str("channel", call.ChannelName).
		Int64("message_id", call.MessageID).
		Msg("linked call to discovery")
	return method, nil
}

func (l *Linker) resolve(ctx context.Context, call *domain.CryptoCall, replyTo *int64) (*parentRef, Method, error) {
	if replyTo != nil {
		parent, err := l.byReply(ctx, call.ChannelName, *replyTo)
		if err != nil {
			return nil, MethodNone, err
		}
		if parent != nil {
			return parent, MethodReply, nil
		}
	}

	since := call.Timestamp.Add(-Window)

	if call.ContractAddress != nil {
		parent, err := l.byContract(ctx, call.ChannelName, *call.ContractAddress, since)
		if err != nil {
			return nil, MethodNone, err
		}
		if parent != nil {
			return parent, MethodContract, nil
		}
	}

	if call.TokenName != nil {
		id, ok, err := l.dir.FindRecentDiscoveryByToken(ctx, call.ChannelName, *call.TokenName, since)
		if err != nil {
			return nil, MethodNone, err
		}
		if ok {
			parent, found, err := l.fetchParent(ctx, id)
			if err != nil {
				return nil, MethodNone, err
			}
			if found {
				return parent, MethodToken, nil
			}
		}
	}

	return nil, MethodNone, nil
}

// byReply resolves a reply target to its discovery. A reply pointing at a
// non-discovery record is treated as a miss so the heuristics still get a
// chance.
func (l *Linker) byReply(ctx context.Context, channel string, replyTo int64) (*parentRef, error) {
	key := fmt.Sprintf("link:reply:%s:%d", channel, replyTo)
	if parent := l.cached(key, "reply"); parent != nil {
		return parent, nil
	}

	id, ok, err := l.dir.FindCallByMessageID(ctx, channel, replyTo)
	if err != nil || !ok {
		return nil, err
	}

	target, found, err := l.dir.GetCallByID(ctx, id)
	if err != nil || !found {
		return nil, err
	}
	if target.MessageType != domain.TypeDiscovery {
		return nil, nil
	}

	parent := &parentRef{ID: target.ID, TokenName: target.TokenName, ContractAddress: target.ContractAddress}
	l.remember(key, parent)
	return parent, nil
}

func (l *Linker) byContract(ctx context.Context, channel, contract string, since time.Time) (*parentRef, error) {
	key := fmt.Sprintf("link:contract:%s:%s", channel, contract)
	if parent := l.cached(key, "contract"); parent != nil {
		return parent, nil
	}

	id, ok, err := l.dir.FindRecentDiscoveryByContract(ctx, channel, contract, since)
	if err != nil || !ok {
		return nil, err
	}

	parent, found, err := l.fetchParent(ctx, id)
	if err != nil || !found {
		return nil, err
	}
	l.remember(key, parent)
	return parent, nil
}

func (l *Linker) fetchParent(ctx context.Context, id int64) (*parentRef, bool, error) {
	target, found, err := l.dir.GetCallByID(ctx, id)
	if err != nil || !found {
		return nil, false, err
	}
	return &parentRef{ID: target.ID, TokenName: target.TokenName, ContractAddress: target.ContractAddress}, true, nil
}

// cached returns the memoized parent for key, or nil on a miss. Undecodable
// entries count as misses.
func (l *Linker) cached(key, cacheType string) *parentRef {
	b, ok := l.cache.Get(key)
	if !ok {
		metrics.LinkCacheMiss(cacheType)
		return nil
	}
	var parent parentRef
	if err := json.Unmarshal(b, &parent); err != nil {
		metrics.LinkCacheMiss(cacheType)
		return nil
	}
	metrics.LinkCacheHit(cacheType)
	return &parent
}

func (l *Linker) remember(key string, parent *parentRef) {
	b, err := json.Marshal(parent)
	if err != nil {
		return
	}
	l.cache.Set(key, b, Window)
}
