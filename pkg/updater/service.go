package updater

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dpaschal/meshd/pkg/log"
	"github.com/dpaschal/meshd/pkg/rpc"
	"github.com/rs/zerolog"
)

// previousSuffix marks the binary set aside on activation, kept for
// rollback until the next update overwrites it
const previousSuffix = ".prev"

// Service is the node-local side of rolling updates: it stages a pushed
// binary on disk and swaps it in on activation. Implements
// rpc.UpdaterServer.
type Service struct {
	dataDir string
	logger  zerolog.Logger

	mu     sync.Mutex
	staged map[string]string // checksum -> staged path

	// Exit is called after a successful swap; the process supervisor
	// restarts the daemon into the new binary. Overridable in tests.
	Exit func()

	// exePath resolves the running binary. Overridable in tests so
	// activation never touches the test executable.
	exePath func() (string, error)
}

// NewService creates the updater service
func NewService(dataDir string) *Service {
	return &Service{
		dataDir: dataDir,
		logger:  log.WithComponent("updater"),
		staged:  make(map[string]string),
		Exit:    func() { os.Exit(0) },
		exePath: os.Executable,
	}
}

// PushBinary receives a binary as a chunk stream, verifies its checksum
// and stages it under the data directory
func (s *Service) PushBinary(stream rpc.Updater_PushBinaryServer) error {
	first, err := stream.Recv()
	if err != nil {
		return err
	}
	if first.Checksum == "" {
		return fmt.Errorf("first chunk must carry the checksum")
	}

	stagingDir := filepath.Join(s.dataDir, "staged")
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return fmt.Errorf("failed to create staging dir: %w", err)
	}
	path := filepath.Join(stagingDir, "meshd-"+shortSum(first.Checksum))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0755)
	if err != nil {
		return fmt.Errorf("failed to create staged binary: %w", err)
	}
	defer f.Close()

	hash := sha256.New()
	var total int64

	write := func(data []byte) error {
		if len(data) == 0 {
			return nil
		}
		hash.Write(data)
		n, err := f.Write(data)
		total += int64(n)
		return err
	}

	if err := write(first.Data); err != nil {
		return err
	}
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if err := write(chunk.Data); err != nil {
			return err
		}
	}

	got := hex.EncodeToString(hash.Sum(nil))
	if got != first.Checksum {
		os.Remove(path)
		return fmt.Errorf("checksum mismatch: declared %s, got %s", first.Checksum, got)
	}

	s.mu.Lock()
	s.staged[got] = path
	s.mu.Unlock()

	s.logger.Info().Str("version", first.Version).Str("checksum", shortSum(got)).
		Int64("bytes", total).Msg("binary staged")
	return stream.SendAndClose(&rpc.PushBinaryResponse{
		Path:     path,
		Checksum: got,
		Bytes:    total,
	})
}

// ActivateBinary swaps the staged binary over the running executable,
// keeping the prior binary aside for rollback, and exits so the
// supervisor restarts into it. The RPC returns before the exit.
func (s *Service) ActivateBinary(ctx context.Context, req *rpc.ActivateBinaryRequest) (*rpc.Empty, error) {
	s.mu.Lock()
	path, ok := s.staged[req.Checksum]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no staged binary with checksum %s", shortSum(req.Checksum))
	}

	if err := s.swap(path); err != nil {
		return nil, err
	}

	s.logger.Info().Str("checksum", shortSum(req.Checksum)).Msg("binary activated, restarting")
	go func() {
		time.Sleep(500 * time.Millisecond)
		s.Exit()
	}()
	return &rpc.Empty{}, nil
}

// RollbackBinary restores the binary preserved by the last activation and
// exits so the supervisor restarts into it
func (s *Service) RollbackBinary(ctx context.Context, req *rpc.Empty) (*rpc.Empty, error) {
	exe, err := s.exePath()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve running binary: %w", err)
	}
	prev := exe + previousSuffix
	if _, err := os.Stat(prev); err != nil {
		return nil, fmt.Errorf("no previous binary preserved: %w", err)
	}
	if err := os.Rename(prev, exe); err != nil {
		return nil, fmt.Errorf("failed to restore previous binary: %w", err)
	}

	s.logger.Warn().Msg("previous binary restored, restarting")
	go func() {
		time.Sleep(500 * time.Millisecond)
		s.Exit()
	}()
	return &rpc.Empty{}, nil
}

// swap replaces the running executable with the staged binary. The prior
// binary moves aside first so a failed update can be rolled back; rename
// is atomic on the same filesystem and the running process keeps its
// inode until exit.
func (s *Service) swap(staged string) error {
	exe, err := s.exePath()
	if err != nil {
		return fmt.Errorf("failed to resolve running binary: %w", err)
	}
	prev := exe + previousSuffix
	if err := os.Rename(exe, prev); err != nil {
		return fmt.Errorf("failed to set aside running binary: %w", err)
	}
	if err := os.Rename(staged, exe); err != nil {
		if restoreErr := os.Rename(prev, exe); restoreErr != nil {
			s.logger.Error().Err(restoreErr).Msg("failed to restore binary after aborted swap")
		}
		return fmt.Errorf("failed to swap binary: %w", err)
	}
	return nil
}

// StagedPath returns where a pushed binary was staged
func (s *Service) StagedPath(checksum string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, ok := s.staged[checksum]
	return path, ok
}

func shortSum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
