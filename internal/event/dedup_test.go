package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeduper_SuppressesRepeatedText(t *testing.T) {
	var d Deduper
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"Hello"}]}}`

	emitted := 0
	for i := 0; i < 2; i++ {
		if d.Accept(Classify(line, testNow)) {
			emitted++
		}
	}
	assert.Equal(t, 1, emitted)
}

func TestDeduper_SuppressesRepeatedThinking(t *testing.T) {
	var d Deduper
	thinking := &Event{Category: CategoryThinking, Summary: "Thinking..."}
	assert.True(t, d.Accept(thinking))
	assert.False(t, d.Accept(thinking))
	assert.False(t, d.Accept(thinking))
}

func TestDeduper_KeepsOtherCategories(t *testing.T) {
	var d Deduper
	tool := &Event{Category: CategoryToolUse, Summary: "Bash"}
	assert.True(t, d.Accept(tool))
	assert.True(t, d.Accept(tool))
}

func TestDeduper_InterleavedEventsReset(t *testing.T) {
	var d Deduper
	text := &Event{Category: CategoryText, Summary: "same"}
	tool := &Event{Category: CategoryToolUse, Summary: "Bash"}

	assert.True(t, d.Accept(text))
	assert.True(t, d.Accept(tool))
	assert.True(t, d.Accept(text))
}

func TestDeduper_SameSummaryDifferentCategory(t *testing.T) {
	var d Deduper
	assert.True(t, d.Accept(&Event{Category: CategoryText, Summary: "x"}))
	assert.True(t, d.Accept(&Event{Category: CategoryThinking, Summary: "x"}))
}

func TestDeduper_Nil(t *testing.T) {
	var d Deduper
	assert.False(t, d.Accept(nil))
}
