package relay

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// ConnMap tracks live transport connections and closes any which go quiet for longer than the
// TTL. Closing a connection runs the normal disconnect path in the transport.
type ConnMap struct {
	cache *ttlcache.Cache[string, Sender]
}

func NewConnMap(ttl time.Duration) *ConnMap {
	cm := &ConnMap{
		cache: ttlcache.New[string, Sender](
			ttlcache.WithTTL[string, Sender](ttl),
			ttlcache.WithDisableTouchOnHit[string, Sender](),
		),
	}
	cm.cache.OnEviction(cm.closeConn)
	go cm.cache.Start()
	return cm
}

func (m *ConnMap) Add(connID string, s Sender) {
	m.cache.Set(connID, s, ttlcache.DefaultTTL)
}

// Touch pushes back the connection's expiry.
func (m *ConnMap) Touch(connID string) {
	m.cache.Touch(connID)
}

// Remove forgets the connection without closing it.
func (m *ConnMap) Remove(connID string) {
	m.cache.Delete(connID)
}

func (m *ConnMap) Len() int {
	return m.cache.Len()
}

func (m *ConnMap) Teardown() {
	m.cache.Stop()
}

func (m *ConnMap) closeConn(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, Sender]) {
	if reason != ttlcache.EvictionReasonExpired {
		return
	}
	logger.Info().Str("conn", item.Key()).Msg("closing idle connection")
	item.Value().Close()
}
