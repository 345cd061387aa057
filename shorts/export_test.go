package shorts

import "time"

// SetNow replaces the game clock.
func (g *Game) SetNow(now func() time.Time) { g.now = now }

// ExpireListings expires every live listing immediately.
func (g *Game) ExpireListings() {
	g.pager.mu.Lock()
	ids := make([]string, 0, len(g.pager.listings))
	for id, t := range g.pager.timers {
		t.Stop()
		ids = append(ids, id)
	}
	g.pager.mu.Unlock()
	for _, id := range ids {
		g.pager.expire(id)
	}
}
