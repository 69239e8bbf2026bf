package voice

import (
	"strings"

	"github.com/bt-bridge/pacer-voice/shared"
	"go.uber.org/zap"
)

type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

type Utterance struct {
	Speaker Speaker
	ItemId  string
	Text    string
	Final   bool
}

// Segment is one finalized line of the transcript log.
type Segment struct {
	Sender Speaker `json:"sender" yaml:"sender"`
	Text   string  `json:"text" yaml:"text"`
}

// DeltaResult is the outcome of one transcript delta. Finalized is set when
// the delta opened a new item and thereby closed the previous one. Stale is
// set when the delta was dropped because its item is already finalized.
type DeltaResult struct {
	Draft     Utterance
	Finalized *Utterance
	Stale     bool
}

// closedItemsLimit bounds how many finalized item ids are remembered per
// speaker.
const closedItemsLimit = 64

// TranscriptReconciler folds streamed transcript deltas into finalized
// utterances. It keeps at most one open utterance per speaker. It is not
// safe for concurrent use; the supervisor loop owns it.
type TranscriptReconciler struct {
	logger   shared.LoggerAdapter
	format   func(Speaker, string) string
	open     map[Speaker]*openUtterance
	closed   map[Speaker]*closedItems
	segments []Segment
}

// closedItems is a fixed-size ring of finalized item ids.
type closedItems struct {
	ids  map[string]struct{}
	ring []string
	next int
}

func (c *closedItems) add(id string) {
	if _, ok := c.ids[id]; ok {
		return
	}
	if len(c.ring) < closedItemsLimit {
		c.ring = append(c.ring, id)
	} else {
		delete(c.ids, c.ring[c.next])
		c.ring[c.next] = id
		c.next = (c.next + 1) % closedItemsLimit
	}
	c.ids[id] = struct{}{}
}

type openUtterance struct {
	itemId string
	text   strings.Builder
}

// NewTranscriptReconciler builds a reconciler. format, when non-nil, rewrites
// final text before it is emitted; an empty result drops the utterance.
func NewTranscriptReconciler(logger shared.LoggerAdapter, format func(Speaker, string) string) (*TranscriptReconciler, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &TranscriptReconciler{
		logger: logger.With(zap.String("component", "transcript")),
		format: format,
		open:   make(map[Speaker]*openUtterance),
		closed: make(map[Speaker]*closedItems),
	}, nil
}

func (r *TranscriptReconciler) isClosed(speaker Speaker, itemId string) bool {
	c, ok := r.closed[speaker]
	if !ok {
		return false
	}
	_, done := c.ids[itemId]
	return done
}

func (r *TranscriptReconciler) markClosed(speaker Speaker, itemId string) {
	c, ok := r.closed[speaker]
	if !ok {
		c = &closedItems{ids: make(map[string]struct{})}
		r.closed[speaker] = c
	}
	c.add(itemId)
}

func (r *TranscriptReconciler) logStale(msg string, speaker Speaker, itemId string) {
	r.logger.Debug(
		msg,
		zap.String("speaker", string(speaker)),
		zap.String("item", itemId),
		zap.String("current", r.CurrentItem(speaker)),
	)
}

// CurrentItem returns the tracked item id for speaker, or "".
func (r *TranscriptReconciler) CurrentItem(speaker Speaker) string {
	if u, ok := r.open[speaker]; ok {
		return u.itemId
	}
	return ""
}

// Draft returns the accumulated, not yet final text for speaker.
func (r *TranscriptReconciler) Draft(speaker Speaker) string {
	if u, ok := r.open[speaker]; ok {
		return u.text.String()
	}
	return ""
}

// Begin starts tracking itemId for speaker before any text arrives, as when
// the input buffer is committed. Tracking the same id again, or an id that
// was already finalized, is a no-op.
func (r *TranscriptReconciler) Begin(speaker Speaker, itemId string) *Utterance {
	if itemId == "" {
		return nil
	}
	cur, ok := r.open[speaker]
	if ok && cur.itemId == itemId {
		return nil
	}
	if r.isClosed(speaker, itemId) {
		r.logStale("ignoring finalized item", speaker, itemId)
		return nil
	}
	var finalized *Utterance
	if ok {
		r.logger.Debug(
			"new item replaces open utterance",
			zap.String("speaker", string(speaker)),
			zap.String("prev", cur.itemId),
			zap.String("next", itemId),
		)
		finalized = r.finalize(speaker, cur, "")
	}
	r.open[speaker] = &openUtterance{itemId: itemId}
	return finalized
}

// OnDelta appends text to the utterance for itemId, opening it if needed.
// Deltas for finalized items, or without an id when nothing is open, are
// dropped and reported as Stale.
func (r *TranscriptReconciler) OnDelta(speaker Speaker, itemId, text string) DeltaResult {
	var res DeltaResult
	cur, ok := r.open[speaker]
	if ok && itemId == "" {
		itemId = cur.itemId
	}
	if itemId == "" || r.isClosed(speaker, itemId) {
		r.logStale("ignoring stale delta", speaker, itemId)
		res.Stale = true
		return res
	}
	if !ok || cur.itemId != itemId {
		res.Finalized = r.Begin(speaker, itemId)
		cur = r.open[speaker]
	}
	cur.text.WriteString(text)
	res.Draft = Utterance{Speaker: speaker, ItemId: itemId, Text: cur.text.String()}
	return res
}

// OnFinal commits the open utterance for speaker if itemId matches it. The
// accumulated deltas take precedence over text; text is used only when nothing
// was accumulated. Finals for any other id, including one already finalized,
// are ignored.
func (r *TranscriptReconciler) OnFinal(speaker Speaker, itemId, text string) (Utterance, bool) {
	cur, ok := r.open[speaker]
	if !ok || cur.itemId != itemId {
		r.logStale("ignoring final for untracked item", speaker, itemId)
		return Utterance{}, false
	}
	u := r.finalize(speaker, cur, text)
	if u == nil {
		return Utterance{}, false
	}
	return *u, true
}

// Flush finalizes every open utterance, user first.
func (r *TranscriptReconciler) Flush() []Utterance {
	var out []Utterance
	for _, speaker := range []Speaker{SpeakerUser, SpeakerAssistant} {
		if cur, ok := r.open[speaker]; ok {
			if u := r.finalize(speaker, cur, ""); u != nil {
				out = append(out, *u)
			}
		}
	}
	return out
}

// TakeSegments returns the finalized transcript log and clears it.
func (r *TranscriptReconciler) TakeSegments() []Segment {
	out := r.segments
	r.segments = nil
	return out
}

// Reset drops all open utterances, the finalized ids and the segment log
// without emitting them.
func (r *TranscriptReconciler) Reset() {
	clear(r.open)
	clear(r.closed)
	r.segments = nil
}

func (r *TranscriptReconciler) finalize(speaker Speaker, cur *openUtterance, fallback string) *Utterance {
	delete(r.open, speaker)
	r.markClosed(speaker, cur.itemId)
	text := strings.TrimSpace(cur.text.String())
	if text == "" {
		text = strings.TrimSpace(fallback)
	}
	if text != "" && r.format != nil {
		text = r.format(speaker, text)
	}
	if text == "" {
		return nil
	}
	r.segments = append(r.segments, Segment{Sender: speaker, Text: text})
	return &Utterance{Speaker: speaker, ItemId: cur.itemId, Text: text, Final: true}
}
