// Package memory is the long-term note store behind ctx.memory in job code.
// Notes are shared by every job and persisted in the store's key/value table
// under a reserved namespace.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"cronbot/pkg/logx"
)

// Namespace is the KV job id under which notes are stored. Job ids are
// UUIDs or config-defined slugs, so a leading underscore never collides.
const (
	Namespace = "_memory"
	notesKey  = "notes"

	defaultMaxNotes = 1000
	maxNoteBytes    = 4 << 10
)

var ErrEmptyNote = errors.New("memory: empty note")

// KV is the subset of storage.Store used for persistence.
type KV interface {
	KVGet(ctx context.Context, jobID, key string) (string, bool, error)
	KVPut(ctx context.Context, jobID, key, value string) error
}

type Note struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

type Options struct {
	// MaxNotes bounds the store; the oldest notes are dropped first.
	MaxNotes int
	Now      func() time.Time
	Log      logx.Logger
}

// Notes is safe for concurrent use. Every call reads through to the KV so
// the CLI and a running daemon see each other's writes.
type Notes struct {
	mu  sync.Mutex
	kv  KV
	max int
	now func() time.Time
	log logx.Logger
}

func New(kv KV, opts Options) *Notes {
	if opts.MaxNotes <= 0 {
		opts.MaxNotes = defaultMaxNotes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notes{kv: kv, max: opts.MaxNotes, now: opts.Now, log: log.With(logx.String("comp", "memory"))}
}

func (n *Notes) load(ctx context.Context) ([]Note, error) {
	raw, ok, err := n.kv.KVGet(ctx, Namespace, notesKey)
	if err != nil || !ok || raw == "" {
		return nil, err
	}
	var notes []Note
	if err := json.Unmarshal([]byte(raw), &notes); err != nil {
		n.log.Warn("memory notes unreadable; starting empty", logx.Err(err))
		return nil, nil
	}
	return notes, nil
}

// Remember appends text. Repeating the most recent note only refreshes its
// timestamp.
func (n *Notes) Remember(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyNote
	}
	if len(text) > maxNoteBytes {
		text = strings.ToValidUTF8(text[:maxNoteBytes], "")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	notes, err := n.load(ctx)
	if err != nil {
		return err
	}
	now := n.now().UTC()
	if k := len(notes); k > 0 && notes[k-1].Text == text {
		notes[k-1].At = now
	} else {
		notes = append(notes, Note{At: now, Text: text})
	}
	if over := len(notes) - n.max; over > 0 {
		notes = append([]Note(nil), notes[over:]...)
	}
	b, err := json.Marshal(notes)
	if err != nil {
		return err
	}
	return n.kv.KVPut(ctx, Namespace, notesKey, string(b))
}

// Search returns up to limit note texts ranked by how many query terms they
// contain, newest first among equals. An empty query lists the newest notes.
func (n *Notes) Search(ctx context.Context, query string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	n.mu.Lock()
	notes, err := n.load(ctx)
	n.mu.Unlock()
	if err != nil {
		return nil, err
	}

	want := terms(query)
	type hit struct {
		idx   int
		score int
	}
	hits := make([]hit, 0, len(notes))
	for i, note := range notes {
		score := 0
		if len(want) > 0 {
			have := map[string]bool{}
			for _, t := range tokenize(note.Text) {
				have[t] = true
			}
			for _, t := range want {
				if have[t] {
					score++
				}
			}
			if score == 0 {
				continue
			}
		}
		hits = append(hits, hit{idx: i, score: score})
	}
	sort.SliceStable(hits, func(a, b int) bool {
		if hits[a].score != hits[b].score {
			return hits[a].score > hits[b].score
		}
		return hits[a].idx > hits[b].idx
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, notes[h.idx].Text)
	}
	return out, nil
}

// List returns every note, oldest first.
func (n *Notes) List(ctx context.Context) ([]Note, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.load(ctx)
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// terms is the de-duplicated token set of a query.
func terms(q string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range tokenize(q) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
