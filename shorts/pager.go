package shorts

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
)

const (
	pagePrevPrefix = "sc_prev_"
	pageNextPrefix = "sc_next_"
)

// listing is one paginated collection message. Only its owner may page it.
type listing struct {
	owner     string
	items     []Item
	pageSize  int
	page      int
	channelID string
	messageID string
}

func (l *listing) pages() int {
	return (len(l.items) + l.pageSize - 1) / l.pageSize
}

// turn moves one page forward or back, wrapping around at both ends.
func (l *listing) turn(forward bool) {
	n := l.pages()
	if forward {
		l.page = (l.page + 1) % n
	} else {
		l.page = (l.page - 1 + n) % n
	}
}

func (l *listing) embed() *discordgo.MessageEmbed {
	start := l.page * l.pageSize
	end := min(start+l.pageSize, len(l.items))
	lines := make([]string, 0, end-start)
	for i, it := range l.items[start:end] {
		lines = append(lines, fmt.Sprintf("%d. [%s](%s)", start+i+1, it.Title, it.URL))
	}
	return &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Your collected Shorts (page %d/%d)", l.page+1, l.pages()),
		Description: strings.Join(lines, "\n"),
		Color:       0x00ff00,
		Footer:      &discordgo.MessageEmbedFooter{Text: "Thanks for collecting Shorts!"},
	}
}

// pager tracks live listings by ID. Each listing expires after ttl, at which
// point onExpire is called with it so the buttons can be removed.
type pager struct {
	mu       sync.Mutex
	listings map[string]*listing
	timers   map[string]*time.Timer
	ttl      time.Duration
	onExpire func(*listing)
}

func newPager(ttl time.Duration, onExpire func(*listing)) *pager {
	return &pager{
		listings: make(map[string]*listing),
		timers:   make(map[string]*time.Timer),
		ttl:      ttl,
		onExpire: onExpire,
	}
}

// add registers l and returns its ID.
func (p *pager) add(l *listing) string {
	id := uuid.NewString()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listings[id] = l
	p.timers[id] = time.AfterFunc(p.ttl, func() { p.expire(id) })
	return id
}

// attach records where the listing was posted once the message exists.
func (p *pager) attach(id, channelID, messageID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.listings[id]; ok {
		l.channelID, l.messageID = channelID, messageID
	}
}

// drop forgets a listing without calling onExpire.
func (p *pager) drop(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.timers[id]; ok {
		t.Stop()
	}
	delete(p.timers, id)
	delete(p.listings, id)
}

func (p *pager) expire(id string) {
	p.mu.Lock()
	l, ok := p.listings[id]
	delete(p.listings, id)
	delete(p.timers, id)
	p.mu.Unlock()
	if ok && p.onExpire != nil {
		p.onExpire(l)
	}
}

// turn pages listing id on behalf of userID and returns the embed to show.
// allowed is false when userID is not the owner; found is false when the
// listing has expired.
func (p *pager) turn(id, userID string, forward bool) (embed *discordgo.MessageEmbed, found, allowed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.listings[id]
	if !ok {
		return nil, false, false
	}
	if l.owner != userID {
		return nil, true, false
	}
	l.turn(forward)
	return l.embed(), true, true
}

// stop cancels every pending expiry.
func (p *pager) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
}

func pageButtons(id string) []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{CustomID: pagePrevPrefix + id, Label: "⬅ Previous", Style: discordgo.PrimaryButton},
				discordgo.Button{CustomID: pageNextPrefix + id, Label: "Next ➡", Style: discordgo.PrimaryButton},
			},
		},
	}
}
