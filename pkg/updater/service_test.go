package updater

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"testing"

	"github.com/dpaschal/meshd/pkg/log"
	"github.com/dpaschal/meshd/pkg/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// fakePushStream replays a fixed chunk sequence
type fakePushStream struct {
	grpc.ServerStream
	chunks []*rpc.BinaryChunk
	resp   *rpc.PushBinaryResponse
}

func (s *fakePushStream) Recv() (*rpc.BinaryChunk, error) {
	if len(s.chunks) == 0 {
		return nil, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *fakePushStream) SendAndClose(resp *rpc.PushBinaryResponse) error {
	s.resp = resp
	return nil
}

func sum(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func TestPushBinaryStagesVerifiedBinary(t *testing.T) {
	s := NewService(t.TempDir())
	part1 := []byte("fake binary ")
	part2 := []byte("contents")
	checksum := sum(part1, part2)

	stream := &fakePushStream{chunks: []*rpc.BinaryChunk{
		{Version: "v1.2.0", Checksum: checksum, Data: part1},
		{Data: part2},
	}}
	require.NoError(t, s.PushBinary(stream))

	require.NotNil(t, stream.resp)
	assert.Equal(t, checksum, stream.resp.Checksum)
	assert.Equal(t, int64(len(part1)+len(part2)), stream.resp.Bytes)

	path, ok := s.StagedPath(checksum)
	require.True(t, ok)
	assert.Equal(t, stream.resp.Path, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "fake binary contents", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0111, "staged binary must be executable")
}

func TestPushBinaryChecksumMismatch(t *testing.T) {
	s := NewService(t.TempDir())
	declared := sum([]byte("what was promised"))

	stream := &fakePushStream{chunks: []*rpc.BinaryChunk{
		{Checksum: declared, Data: []byte("what actually arrived")},
	}}
	err := s.PushBinary(stream)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")

	// the corrupt file was removed and nothing was staged
	_, ok := s.StagedPath(declared)
	assert.False(t, ok)
}

func TestPushBinaryRequiresChecksumOnFirstChunk(t *testing.T) {
	s := NewService(t.TempDir())

	stream := &fakePushStream{chunks: []*rpc.BinaryChunk{
		{Data: []byte("headless")},
	}}
	err := s.PushBinary(stream)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum")
}

func TestActivateBinaryUnknownChecksum(t *testing.T) {
	s := NewService(t.TempDir())

	_, err := s.ActivateBinary(context.Background(), &rpc.ActivateBinaryRequest{
		Checksum: "deadbeefdeadbeefdeadbeef",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no staged binary")
}

// stagedService stages content and pins the service onto a fake running
// executable so activation never touches the test binary
func stagedService(t *testing.T, oldContent, newContent []byte) (*Service, string, string) {
	t.Helper()
	s := NewService(t.TempDir())
	s.Exit = func() {}

	exe := t.TempDir() + "/meshd"
	require.NoError(t, os.WriteFile(exe, oldContent, 0755))
	s.exePath = func() (string, error) { return exe, nil }

	checksum := sum(newContent)
	stream := &fakePushStream{chunks: []*rpc.BinaryChunk{
		{Version: "v2.0.0", Checksum: checksum, Data: newContent},
	}}
	require.NoError(t, s.PushBinary(stream))
	return s, exe, checksum
}

func TestActivateBinaryPreservesPrevious(t *testing.T) {
	oldBin := []byte("running v1")
	newBin := []byte("staged v2")
	s, exe, checksum := stagedService(t, oldBin, newBin)

	_, err := s.ActivateBinary(context.Background(), &rpc.ActivateBinaryRequest{Checksum: checksum})
	require.NoError(t, err)

	got, err := os.ReadFile(exe)
	require.NoError(t, err)
	assert.Equal(t, newBin, got)

	prev, err := os.ReadFile(exe + previousSuffix)
	require.NoError(t, err)
	assert.Equal(t, oldBin, prev)
}

func TestRollbackBinaryRestoresPrevious(t *testing.T) {
	oldBin := []byte("running v1")
	newBin := []byte("staged v2")
	s, exe, checksum := stagedService(t, oldBin, newBin)

	_, err := s.ActivateBinary(context.Background(), &rpc.ActivateBinaryRequest{Checksum: checksum})
	require.NoError(t, err)

	_, err = s.RollbackBinary(context.Background(), &rpc.Empty{})
	require.NoError(t, err)

	got, err := os.ReadFile(exe)
	require.NoError(t, err)
	assert.Equal(t, oldBin, got)

	_, err = os.Stat(exe + previousSuffix)
	assert.True(t, os.IsNotExist(err), "preserved copy is consumed by the rollback")
}

func TestRollbackBinaryWithoutPrevious(t *testing.T) {
	s := NewService(t.TempDir())
	s.Exit = func() {}
	exe := t.TempDir() + "/meshd"
	require.NoError(t, os.WriteFile(exe, []byte("running v1"), 0755))
	s.exePath = func() (string, error) { return exe, nil }

	_, err := s.RollbackBinary(context.Background(), &rpc.Empty{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no previous binary")
}

func TestRepushOverwritesStagedBinary(t *testing.T) {
	s := NewService(t.TempDir())
	data := []byte("same binary twice")
	checksum := sum(data)

	for i := 0; i < 2; i++ {
		stream := &fakePushStream{chunks: []*rpc.BinaryChunk{
			{Checksum: checksum, Data: data},
		}}
		require.NoError(t, s.PushBinary(stream))
	}

	path, ok := s.StagedPath(checksum)
	require.True(t, ok)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
