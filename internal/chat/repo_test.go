package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/Agentic-Person/whop-chronos-sub007/internal/ai"
)

func TestRepo_ConcurrentExchangesGetDistinctSeqs(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	ctx := context.Background()
	require.NoError(t, repo.CreateSession(ctx, &Session{SessionID: "01J0000000000000000000SEQ1", LearnerID: learner, TenantID: tenant}))

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u := &Message{LearnerID: learner, Role: ai.RoleUser, Content: fmt.Sprintf("q%d", i)}
			a := &Message{LearnerID: learner, Role: ai.RoleAssistant, Content: fmt.Sprintf("a%d", i)}
			errs <- repo.AppendExchange(ctx, "01J0000000000000000000SEQ1", u, a)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var msgs []Message
	require.NoError(t, db.Where("session_id = ?", "01J0000000000000000000SEQ1").Order("seq ASC").Find(&msgs).Error)
	require.Len(t, msgs, 2*n)
	for i, m := range msgs {
		assert.Equal(t, int64(i+1), m.Seq)
		if i%2 == 0 {
			// pairs stay adjacent: the user turn is always followed by its answer
			assert.Equal(t, ai.RoleUser, m.Role)
			assert.Equal(t, "a"+m.Content[1:], msgs[i+1].Content)
		}
	}

	sess, err := repo.GetSession(ctx, "01J0000000000000000000SEQ1")
	require.NoError(t, err)
	assert.Equal(t, int64(2*n), sess.MessageSeq)
	assert.NotNil(t, sess.LastMessageAt)
}

func TestRepo_AppendToMissingSession(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	err := repo.AppendExchange(context.Background(), "nope",
		&Message{Role: ai.RoleUser, Content: "q"}, &Message{Role: ai.RoleAssistant, Content: "a"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRepo_HistoryAndPaging(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	ctx := context.Background()
	sid := "01J0000000000000000000HIS1"
	require.NoError(t, repo.CreateSession(ctx, &Session{SessionID: sid, LearnerID: learner, TenantID: tenant}))
	for i := 0; i < 5; i++ {
		require.NoError(t, repo.AppendExchange(ctx, sid,
			&Message{LearnerID: learner, Role: ai.RoleUser, Content: fmt.Sprintf("q%d", i)},
			&Message{LearnerID: learner, Role: ai.RoleAssistant, Content: fmt.Sprintf("a%d", i),
				Metadata: datatypes.NewJSONType(MessageMetadata{FinishReason: FinishStop})}))
	}

	hist, err := repo.FetchHistory(ctx, sid, 4)
	require.NoError(t, err)
	require.Len(t, hist, 4)
	assert.Equal(t, "q3", hist[0].Content)
	assert.Equal(t, "a4", hist[3].Content)

	page, err := repo.ListMessages(ctx, sid, 3, 0)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, int64(10), page[0].Seq)

	older, err := repo.ListMessages(ctx, sid, 3, page[2].Seq)
	require.NoError(t, err)
	require.Len(t, older, 3)
	assert.Equal(t, int64(7), older[0].Seq)
	assert.Equal(t, FinishStop, older[0].Metadata.Data().FinishReason)
}
