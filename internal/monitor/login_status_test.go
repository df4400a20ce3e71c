package monitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoginStatus_GateOpensWhenAllSucceed(t *testing.T) {
	l := NewLoginStatus("CLIUS", "", zap.NewNop())
	l.StartLoginProcess(2)

	go func() {
		l.UpdateHospitalStatus("病院A", true, "")
		l.UpdateHospitalStatus("病院B", true, "")
	}()

	ok := l.WaitForCompletion(context.Background(), 5*time.Second)
	assert.True(t, ok)
	assert.Empty(t, l.Failures())
}

func TestLoginStatus_FailedHospitalKeepsGateClosed(t *testing.T) {
	l := NewLoginStatus("CLIUS", "", zap.NewNop())
	l.StartLoginProcess(2)

	l.UpdateHospitalStatus("病院A", true, "")
	l.UpdateHospitalStatus("病院B", false, "bad credentials")

	ok := l.WaitForCompletion(context.Background(), 50*time.Millisecond)
	assert.False(t, ok)

	failures := l.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "病院B", failures[0].HospitalName)
	assert.Contains(t, l.Summary(), "病院B")
	assert.Contains(t, l.Summary(), "bad credentials")
}

func TestLoginStatus_ZeroHospitalsCompletesImmediately(t *testing.T) {
	l := NewLoginStatus("紙カルテ", "", zap.NewNop())
	l.StartLoginProcess(0)

	ok := l.WaitForCompletion(context.Background(), 50*time.Millisecond)
	assert.True(t, ok)
}

func TestLoginStatus_ContextCancelUnblocksWait(t *testing.T) {
	l := NewLoginStatus("CLIUS", "", zap.NewNop())
	l.StartLoginProcess(1)

	ctx, cancel := context.WithCancel(context.Background())
	go cancel()

	ok := l.WaitForCompletion(ctx, 5*time.Second)
	assert.False(t, ok)
}

func TestLoginStatus_SuccessWritesCheckFile(t *testing.T) {
	dir := t.TempDir()
	l := NewLoginStatus("CLIUS", dir, zap.NewNop())
	l.StartLoginProcess(1)

	l.UpdateHospitalStatus("病院A", true, "")

	data, err := os.ReadFile(filepath.Join(dir, "病院A.txt"))
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}
