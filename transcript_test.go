package voice

import (
	"fmt"
	"testing"

	"github.com/bt-bridge/pacer-voice/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReconciler(t *testing.T) *TranscriptReconciler {
	t.Helper()
	r, err := NewTranscriptReconciler(shared.NewNopLogger(), nil)
	require.NoError(t, err)
	return r
}

func TestReconcilerAccumulatorWinsOverEmptyDone(t *testing.T) {
	r := newTestReconciler(t)

	res := r.OnDelta(SpeakerAssistant, "a1", "Hel")
	assert.Nil(t, res.Finalized)
	assert.Equal(t, "Hel", res.Draft.Text)
	res = r.OnDelta(SpeakerAssistant, "a1", "lo")
	assert.Equal(t, "Hello", res.Draft.Text)
	assert.False(t, res.Draft.Final)

	u, ok := r.OnFinal(SpeakerAssistant, "a1", "")
	require.True(t, ok)
	assert.Equal(t, Utterance{Speaker: SpeakerAssistant, ItemId: "a1", Text: "Hello", Final: true}, u)
	assert.Empty(t, r.Draft(SpeakerAssistant))
}

func TestReconcilerAccumulatorWinsOverEventText(t *testing.T) {
	r := newTestReconciler(t)
	r.OnDelta(SpeakerAssistant, "a1", "streamed text")
	u, ok := r.OnFinal(SpeakerAssistant, "a1", "different text")
	require.True(t, ok)
	assert.Equal(t, "streamed text", u.Text)
}

func TestReconcilerUsesEventTextWhenNothingAccumulated(t *testing.T) {
	r := newTestReconciler(t)
	assert.Nil(t, r.Begin(SpeakerUser, "u1"))
	u, ok := r.OnFinal(SpeakerUser, "u1", "  I need a quote  ")
	require.True(t, ok)
	assert.Equal(t, "I need a quote", u.Text)
}

func TestReconcilerDuplicateFinalsEmitOnce(t *testing.T) {
	r := newTestReconciler(t)
	r.Begin(SpeakerUser, "u1")
	r.OnDelta(SpeakerUser, "u1", "hello")

	emitted := 0
	for range 5 {
		if _, ok := r.OnFinal(SpeakerUser, "u1", "hello"); ok {
			emitted++
		}
	}
	assert.Equal(t, 1, emitted)
	assert.Empty(t, r.CurrentItem(SpeakerUser))
}

func TestReconcilerRejectsMismatchedFinal(t *testing.T) {
	r := newTestReconciler(t)
	r.Begin(SpeakerUser, "Y")
	r.OnDelta(SpeakerUser, "Y", "partial")

	_, ok := r.OnFinal(SpeakerUser, "X", "stale text")
	assert.False(t, ok)
	assert.Equal(t, "Y", r.CurrentItem(SpeakerUser))
	assert.Equal(t, "partial", r.Draft(SpeakerUser))
	assert.Empty(t, r.TakeSegments())
}

func TestReconcilerNewItemFinalizesPrevious(t *testing.T) {
	r := newTestReconciler(t)
	r.OnDelta(SpeakerAssistant, "a1", "first answer")
	res := r.OnDelta(SpeakerAssistant, "a2", "second")
	require.NotNil(t, res.Finalized)
	assert.Equal(t, "first answer", res.Finalized.Text)
	assert.Equal(t, "a1", res.Finalized.ItemId)
	assert.Equal(t, "a2", r.CurrentItem(SpeakerAssistant))

	_, ok := r.OnFinal(SpeakerAssistant, "a1", "first answer")
	assert.False(t, ok)
}

func TestReconcilerLateDeltaForFinalizedItem(t *testing.T) {
	r := newTestReconciler(t)
	r.OnDelta(SpeakerUser, "X", "hello")
	_, ok := r.OnFinal(SpeakerUser, "X", "")
	require.True(t, ok)

	res := r.OnDelta(SpeakerUser, "X", " there")
	assert.True(t, res.Stale)
	assert.Nil(t, res.Finalized)
	assert.Empty(t, r.CurrentItem(SpeakerUser))

	_, ok = r.OnFinal(SpeakerUser, "X", "hello there")
	assert.False(t, ok)
	assert.Equal(t, []Segment{{Sender: SpeakerUser, Text: "hello"}}, r.TakeSegments())
}

func TestReconcilerStaleDeltaKeepsOpenUtterance(t *testing.T) {
	r := newTestReconciler(t)
	r.OnDelta(SpeakerUser, "X", "hello")
	_, ok := r.OnFinal(SpeakerUser, "X", "")
	require.True(t, ok)
	r.TakeSegments()

	r.OnDelta(SpeakerUser, "Y", "Hel")
	res := r.OnDelta(SpeakerUser, "X", "stale")
	assert.True(t, res.Stale)
	assert.Nil(t, res.Finalized)
	assert.Nil(t, r.Begin(SpeakerUser, "X"))
	assert.Equal(t, "Y", r.CurrentItem(SpeakerUser))
	assert.Equal(t, "Hel", r.Draft(SpeakerUser))
	assert.Empty(t, r.TakeSegments())

	r.OnDelta(SpeakerUser, "Y", "lo")
	u, ok := r.OnFinal(SpeakerUser, "Y", "")
	require.True(t, ok)
	assert.Equal(t, "Hello", u.Text)
}

func TestReconcilerEmptyDeltaIdFollowsOpenItem(t *testing.T) {
	r := newTestReconciler(t)
	assert.True(t, r.OnDelta(SpeakerAssistant, "", "orphan").Stale)

	r.OnDelta(SpeakerAssistant, "a1", "Hi")
	res := r.OnDelta(SpeakerAssistant, "", " there")
	assert.False(t, res.Stale)
	assert.Equal(t, "Hi there", res.Draft.Text)
}

func TestReconcilerForgetsOldestFinalizedIds(t *testing.T) {
	r := newTestReconciler(t)
	for i := range closedItemsLimit + 1 {
		id := fmt.Sprintf("u%d", i)
		r.OnDelta(SpeakerUser, id, "text")
		_, ok := r.OnFinal(SpeakerUser, id, "")
		require.True(t, ok)
	}
	assert.Len(t, r.closed[SpeakerUser].ids, closedItemsLimit)
	assert.False(t, r.isClosed(SpeakerUser, "u0"))
	assert.True(t, r.isClosed(SpeakerUser, "u1"))
	assert.True(t, r.OnDelta(SpeakerUser, "u1", "late").Stale)
}

func TestReconcilerBeginWithoutTextDropsSilently(t *testing.T) {
	r := newTestReconciler(t)
	r.Begin(SpeakerUser, "u1")
	assert.Nil(t, r.Begin(SpeakerUser, "u1"))
	assert.Nil(t, r.Begin(SpeakerUser, "u2"))
	assert.Equal(t, "u2", r.CurrentItem(SpeakerUser))
}

func TestReconcilerSpeakersAreIndependent(t *testing.T) {
	r := newTestReconciler(t)
	r.OnDelta(SpeakerUser, "u1", "question")
	r.OnDelta(SpeakerAssistant, "a1", "answer")

	_, ok := r.OnFinal(SpeakerAssistant, "u1", "")
	assert.False(t, ok)
	assert.Equal(t, "question", r.Draft(SpeakerUser))
}

func TestReconcilerFlush(t *testing.T) {
	r := newTestReconciler(t)
	r.OnDelta(SpeakerAssistant, "a1", "answer")
	r.OnDelta(SpeakerUser, "u1", "question")
	r.Begin(SpeakerUser, "u1")

	flushed := r.Flush()
	require.Len(t, flushed, 2)
	assert.Equal(t, SpeakerUser, flushed[0].Speaker)
	assert.Equal(t, SpeakerAssistant, flushed[1].Speaker)
	assert.Empty(t, r.Flush())

	assert.Equal(t, []Segment{
		{Sender: SpeakerUser, Text: "question"},
		{Sender: SpeakerAssistant, Text: "answer"},
	}, r.TakeSegments())
	assert.Empty(t, r.TakeSegments())
}

func TestReconcilerFormatter(t *testing.T) {
	r, err := NewTranscriptReconciler(shared.NewNopLogger(), func(s Speaker, text string) string {
		if s == SpeakerAssistant {
			return CleanTranscript(text)
		}
		return text
	})
	require.NoError(t, err)

	r.OnDelta(SpeakerAssistant, "a1", "um well we can ship next week")
	u, ok := r.OnFinal(SpeakerAssistant, "a1", "")
	require.True(t, ok)
	assert.Equal(t, "Well we can ship next week.", u.Text)

	r.OnDelta(SpeakerAssistant, "a2", "uh")
	_, ok = r.OnFinal(SpeakerAssistant, "a2", "")
	assert.False(t, ok)
}

func TestReconcilerReset(t *testing.T) {
	r := newTestReconciler(t)
	r.OnDelta(SpeakerUser, "u1", "text")
	r.Reset()
	assert.Empty(t, r.Flush())
	assert.Empty(t, r.TakeSegments())

	r.OnDelta(SpeakerUser, "u2", "done")
	r.OnFinal(SpeakerUser, "u2", "")
	r.Reset()
	assert.False(t, r.OnDelta(SpeakerUser, "u2", "again").Stale)
}

func TestCleanTranscript(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "Fillers removed", in: "um I think, you know, the price is uh fine", want: "I think,, the price is fine."},
		{name: "Only filler", in: "uh um  er", want: ""},
		{name: "Capitalises and terminates", in: "sounds good", want: "Sounds good."},
		{name: "Keeps question mark", in: "what is the budget?", want: "What is the budget?"},
		{name: "Space before punctuation", in: "hello , world !", want: "Hello, world!"},
		{name: "Space after sentence end", in: "Great.Next question", want: "Great. Next question."},
		{name: "Glued sentences", in: "we agreeThe deal is done", want: "We agree. The deal is done."},
		{name: "Word boundaries respected", in: "the error was under review", want: "The error was under review."},
		{name: "Empty", in: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanTranscript(tt.in))
		})
	}
}
