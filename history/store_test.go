package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/Azure-Samples/healthcare-agent-orchestrator/blobstore"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/chatmodel"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/types"
)

func TestStore_ReadMissingReturnsEmptyHistory(t *testing.T) {
	s := NewStore(blobstore.NewMemoryStore(), nil)
	cc, err := s.Read(context.Background(), "c1", nil)
	require.NoError(t, err)
	assert.Empty(t, cc.ChatHistory)
	assert.Equal(t, "c1", cc.ConversationID)
}

func TestStore_WriteThenReadRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := NewStore(blobstore.NewMemoryStore(), nil)
	pid := chatmodel.PatientID("patient_4")

	cc := chatmodel.NewChatContext("c1")
	cc.PatientID = &pid
	cc.ChatHistory = chatmodel.ChatHistory{
		types.NewUserMessage("start tumor board for patient_4"),
		types.NewAssistantMessage("Facilitator", "Plan: 1. review labs"),
	}

	require.NoError(t, s.Write(ctx, cc))

	got, err := s.Read(ctx, "c1", &pid)
	require.NoError(t, err)
	require.Len(t, got.ChatHistory, 2)
	assert.Equal(t, "start tumor board for patient_4", got.ChatHistory[0].Content)
	assert.Equal(t, "Facilitator", got.ChatHistory[1].Name)
}

func TestStore_WriteFiltersSnapshotEvenIfUpstreamForgotToStrip(t *testing.T) {
	ctx := context.Background()
	s := NewStore(blobstore.NewMemoryStore(), nil)

	cc := chatmodel.NewChatContext("c1")
	cc.ChatHistory = chatmodel.ChatHistory{
		chatmodel.BuildSnapshotMessage("c1", "", nil, time.Now()),
		types.NewUserMessage("hello"),
	}

	require.NoError(t, s.Write(ctx, cc))

	got, err := s.Read(ctx, "c1", nil)
	require.NoError(t, err)
	require.Len(t, got.ChatHistory, 1)
	assert.Equal(t, "hello", got.ChatHistory[0].Content)
	for _, m := range got.ChatHistory {
		assert.False(t, chatmodel.IsSnapshot(m))
	}
}

func TestStore_PathDerivation(t *testing.T) {
	assert.Equal(t, "c1/session_context.json", Path("c1", nil))
	pid := chatmodel.PatientID("patient_4")
	assert.Equal(t, "c1/patient_patient_4_context.json", Path("c1", &pid))
}

func TestStore_ArchiveToFolderIdempotentOnMissingSource(t *testing.T) {
	ctx := context.Background()
	blob := blobstore.NewMemoryStore()
	s := NewStore(blob, nil)

	err := s.ArchiveToFolder(ctx, "c1", nil, "c1/archive/2025-09-30T16-45-00-000000", "20250930T164500")
	require.NoError(t, err)
}

func TestStore_ArchiveToFolderCopiesThenDeletes(t *testing.T) {
	ctx := context.Background()
	blob := blobstore.NewMemoryStore()
	s := NewStore(blob, nil)

	cc := chatmodel.NewChatContext("c1")
	cc.ChatHistory = chatmodel.ChatHistory{types.NewUserMessage("hi")}
	require.NoError(t, s.Write(ctx, cc))

	require.NoError(t, s.ArchiveToFolder(ctx, "c1", nil, "c1/archive/2025-09-30T16-45-00-000000", "20250930T164500"))

	_, err := blob.Get(ctx, Path("c1", nil))
	assert.Error(t, err, "live file must be deleted after archival")

	archived, err := blob.Get(ctx, "c1/archive/2025-09-30T16-45-00-000000/c1/20250930T164500_session_archived.json")
	require.NoError(t, err)
	assert.Contains(t, string(archived), "hi")
}

// TestStore_RoundTripProperty: read(write(ctx)) == ctx up to snapshot
// removal, per the universal invariant in the spec's testable
// properties section.
func TestStore_RoundTripProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		s := NewStore(blobstore.NewMemoryStore(), nil)

		n := rapid.IntRange(0, 10).Draw(rt, "n")
		hist := make(chatmodel.ChatHistory, 0, n)
		for i := 0; i < n; i++ {
			role := rapid.SampledFrom([]types.Role{types.RoleUser, types.RoleAssistant, types.RoleSystem}).Draw(rt, "role")
			content := rapid.StringN(0, 40, -1).Draw(rt, "content")
			hist = append(hist, types.Message{Role: role, Content: content})
		}

		cc := chatmodel.NewChatContext("c1")
		cc.ChatHistory = hist

		require.NoError(t, s.Write(ctx, cc))
		got, err := s.Read(ctx, "c1", nil)
		require.NoError(t, err)

		expected := make(chatmodel.ChatHistory, 0, len(hist))
		for _, m := range hist {
			if !chatmodel.IsSnapshot(m) {
				expected = append(expected, types.Message{Role: m.Role, Name: m.Name, Content: m.Content})
			}
		}
		assert.Equal(t, expected, got.ChatHistory)
	})
}
