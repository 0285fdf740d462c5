package rebuild

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"market-pnl-lab/internal/storage"
)

const (
	snapshotMagic   uint32 = 0x524C4E50 // "PNLR"
	snapshotVersion uint32 = 1

	// fixed on-disk snapshot record size
	snapshotRecordSize = 112
)

// PersistInfo describes the snapshot file on disk.
type PersistInfo struct {
	Exists  bool    `json:"exists"`
	Path    string  `json:"path"`
	SizeMB  float64 `json:"size_mb"`
	ModTime int64   `json:"mod_time"`
}

// CheckPersist stats the snapshot file without opening it.
func CheckPersist(path string) PersistInfo {
	info := PersistInfo{Path: path}
	st, err := os.Stat(path)
	if err != nil {
		return info
	}
	info.Exists = true
	info.SizeMB = float64(st.Size()) / (1024 * 1024)
	info.ModTime = st.ModTime().Unix()
	return info
}

// Save writes the rebuilt state to path as a versioned little-endian binary
// snapshot. The file is written to a temp name and renamed into place.
func (e *Engine) Save(path string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	start := time.Now()
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	w := bufio.NewWriterSize(f, 1<<20)

	if err := e.writeSnapshot(w); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("flush snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename snapshot: %w", err)
	}

	e.logger.Info("snapshot saved",
		zap.String("path", path),
		zap.Int("users", len(e.users)),
		zap.Duration("took", time.Since(start)))
	return nil
}

func (e *Engine) writeSnapshot(w io.Writer) error {
	if err := writeU32(w, snapshotMagic); err != nil {
		return err
	}
	if err := writeU32(w, snapshotVersion); err != nil {
		return err
	}

	// conditions
	if err := writeU32(w, uint32(len(e.condIDs))); err != nil {
		return err
	}
	for i, id := range e.condIDs {
		info := e.conds[i]
		if err := writeString(w, id); err != nil {
			return err
		}
		if err := writeU8(w, info.OutcomeCount); err != nil {
			return err
		}
		if err := writeI64(w, info.PayoutDenominator); err != nil {
			return err
		}
		if err := writeU32(w, uint32(len(info.PayoutNumerators))); err != nil {
			return err
		}
		for _, n := range info.PayoutNumerators {
			if err := writeI64(w, n); err != nil {
				return err
			}
		}
	}

	// tokens, each with its owning condition and outcome slot
	if err := writeU32(w, uint32(len(e.tokenIDs))); err != nil {
		return err
	}
	for i, id := range e.tokenIDs {
		if err := writeString(w, id); err != nil {
			return err
		}
		ref := e.tokenRefs[i]
		if err := writeU32(w, ref.CondIdx); err != nil {
			return err
		}
		if err := writeU8(w, ref.TokenIdx); err != nil {
			return err
		}
	}

	// users
	if err := writeU32(w, uint32(len(e.users))); err != nil {
		return err
	}
	var rec [snapshotRecordSize]byte
	for i, user := range e.users {
		if err := writeString(w, user); err != nil {
			return err
		}
		state := e.userStates[i]
		if err := writeU32(w, uint32(len(state.Conditions))); err != nil {
			return err
		}
		for _, hist := range state.Conditions {
			if err := writeU32(w, hist.CondIdx); err != nil {
				return err
			}
			if err := writeU32(w, uint32(len(hist.Snapshots))); err != nil {
				return err
			}
			for s := range hist.Snapshots {
				encodeSnapshot(&hist.Snapshots[s], &rec)
				if _, err := w.Write(rec[:]); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Load replaces the engine state with a snapshot from disk. It holds the same
// running flag as RebuildAll, so a load during a rebuild is rejected.
func (e *Engine) Load(path string) error {
	if !e.running.CompareAndSwap(false, true) {
		return storage.ErrAlreadyRunning
	}
	defer e.running.Store(false)

	start := time.Now()
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()
	r := bufio.NewReaderSize(f, 1<<20)

	data, err := readSnapshot(r)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.condIDs = data.condIDs
	e.conds = data.conds
	e.tokenIDs = data.tokenIDs
	e.tokenRefs = data.tokenRefs
	e.users = data.users
	e.userStates = data.states
	e.mu.Unlock()

	e.totalConditions.Store(int64(len(data.condIDs)))
	e.totalTokens.Store(int64(len(data.tokenIDs)))
	e.totalUsers.Store(int64(len(data.users)))
	e.processedUsers.Store(int64(len(data.users)))
	e.phase.Store(7)

	e.logger.Info("snapshot loaded",
		zap.String("path", path),
		zap.Int("users", len(data.users)),
		zap.Duration("took", time.Since(start)))
	return nil
}

// snapshotData is the decoded content of one snapshot file.
type snapshotData struct {
	condIDs   []string
	conds     []ConditionInfo
	tokenIDs  []string
	tokenRefs []TokenRef
	users     []string
	states    []UserState
}

func readSnapshot(r io.Reader) (*snapshotData, error) {
	magic, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if magic != snapshotMagic {
		return nil, fmt.Errorf("bad snapshot magic 0x%08X", magic)
	}
	version, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	}
	if version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", version)
	}

	data := &snapshotData{}

	condCount, err := readU32(r)
	if err != nil {
		return nil, err
	}
	data.condIDs = make([]string, condCount)
	data.conds = make([]ConditionInfo, condCount)
	for i := range data.condIDs {
		if data.condIDs[i], err = readString(r); err != nil {
			return nil, err
		}
		if data.conds[i].OutcomeCount, err = readU8(r); err != nil {
			return nil, err
		}
		if data.conds[i].PayoutDenominator, err = readI64(r); err != nil {
			return nil, err
		}
		numCount, err := readU32(r)
		if err != nil {
			return nil, err
		}
		if numCount > 0 {
			data.conds[i].PayoutNumerators = make([]int64, numCount)
			for j := range data.conds[i].PayoutNumerators {
				if data.conds[i].PayoutNumerators[j], err = readI64(r); err != nil {
					return nil, err
				}
			}
		}
	}

	tokenCount, err := readU32(r)
	if err != nil {
		return nil, err
	}
	data.tokenIDs = make([]string, tokenCount)
	data.tokenRefs = make([]TokenRef, tokenCount)
	for i := range data.tokenIDs {
		if data.tokenIDs[i], err = readString(r); err != nil {
			return nil, err
		}
		if data.tokenRefs[i].CondIdx, err = readU32(r); err != nil {
			return nil, err
		}
		if data.tokenRefs[i].TokenIdx, err = readU8(r); err != nil {
			return nil, err
		}
	}

	userCount, err := readU32(r)
	if err != nil {
		return nil, err
	}
	data.users = make([]string, userCount)
	data.states = make([]UserState, userCount)
	var rec [snapshotRecordSize]byte
	for i := range data.users {
		if data.users[i], err = readString(r); err != nil {
			return nil, err
		}
		histCount, err := readU32(r)
		if err != nil {
			return nil, err
		}
		data.states[i].Conditions = make([]UserConditionHistory, histCount)
		for h := range data.states[i].Conditions {
			hist := &data.states[i].Conditions[h]
			if hist.CondIdx, err = readU32(r); err != nil {
				return nil, err
			}
			snapCount, err := readU32(r)
			if err != nil {
				return nil, err
			}
			hist.Snapshots = make([]Snapshot, snapCount)
			for s := range hist.Snapshots {
				if _, err := io.ReadFull(r, rec[:]); err != nil {
					return nil, fmt.Errorf("read snapshot record: %w", err)
				}
				decodeSnapshot(&rec, &hist.Snapshots[s])
			}
		}
	}
	return data, nil
}

// encodeSnapshot packs one snapshot into a fixed 112-byte record:
// timestamp 8, delta 8, price 8, positions 8x8, cost basis 8, realized pnl 8,
// event type 1, token index 1, outcome count 1, padding 5.
func encodeSnapshot(s *Snapshot, rec *[snapshotRecordSize]byte) {
	binary.LittleEndian.PutUint64(rec[0:], uint64(s.Timestamp))
	binary.LittleEndian.PutUint64(rec[8:], uint64(s.Delta))
	binary.LittleEndian.PutUint64(rec[16:], uint64(s.Price))
	for i := 0; i < MaxOutcomes; i++ {
		binary.LittleEndian.PutUint64(rec[24+i*8:], uint64(s.Positions[i]))
	}
	binary.LittleEndian.PutUint64(rec[88:], uint64(s.CostBasis))
	binary.LittleEndian.PutUint64(rec[96:], uint64(s.RealizedPnl))
	rec[104] = s.EventType
	rec[105] = s.TokenIdx
	rec[106] = s.OutcomeCount
	rec[107], rec[108], rec[109], rec[110], rec[111] = 0, 0, 0, 0, 0
}

func decodeSnapshot(rec *[snapshotRecordSize]byte, s *Snapshot) {
	s.Timestamp = int64(binary.LittleEndian.Uint64(rec[0:]))
	s.Delta = int64(binary.LittleEndian.Uint64(rec[8:]))
	s.Price = int64(binary.LittleEndian.Uint64(rec[16:]))
	for i := 0; i < MaxOutcomes; i++ {
		s.Positions[i] = int64(binary.LittleEndian.Uint64(rec[24+i*8:]))
	}
	s.CostBasis = int64(binary.LittleEndian.Uint64(rec[88:]))
	s.RealizedPnl = int64(binary.LittleEndian.Uint64(rec[96:]))
	s.EventType = rec[104]
	s.TokenIdx = rec[105]
	s.OutcomeCount = rec[106]
}

func writeU8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeI64(w io.Writer, v int64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	_, err := w.Write(buf[:])
	return err
}

func writeString(w io.Writer, s string) error {
	if err := writeU32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readU8(r io.Reader) (uint8, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func readI64(r io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

func readString(r io.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
