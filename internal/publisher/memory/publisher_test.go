package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishRecordsMessages(t *testing.T) {
	t.Parallel()

	p := New()
	id, err := p.Publish(context.Background(), "records", map[string]string{"natural_key": "decision/civil/1"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id)

	msgs := p.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "records", msgs[0].Topic)
}

func TestByTopicFiltersMessages(t *testing.T) {
	t.Parallel()

	p := New()
	_, err := p.Publish(context.Background(), "record.ingested", map[string]string{"natural_key": "decision/civil/1"})
	require.NoError(t, err)
	_, err = p.Publish(context.Background(), "stage.completed", map[string]int{"processed": 1})
	require.NoError(t, err)

	require.Len(t, p.ByTopic("record.ingested"), 1)
	require.Len(t, p.ByTopic("stage.completed"), 1)
	require.Empty(t, p.ByTopic("other"))
}
