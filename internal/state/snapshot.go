package state

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/bytedance/sonic"
)

// WriteSnapshot writes a position snapshot to disk as JSON.
func WriteSnapshot(path string, snapshot schema.PositionSnapshot) error {
	data, err := sonic.ConfigStd.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadSnapshot loads a position snapshot from disk.
func ReadSnapshot(path string) (schema.PositionSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return schema.PositionSnapshot{}, err
	}
	var snap schema.PositionSnapshot
	if err := sonic.ConfigStd.Unmarshal(data, &snap); err != nil {
		return schema.PositionSnapshot{}, err
	}
	schema.SortPositions(snap.Positions)
	return snap, nil
}

// CompareSnapshots checks that two snapshots hold the same balances.
func CompareSnapshots(expected, actual schema.PositionSnapshot) error {
	want := expected.NonZero()
	got := actual.NonZero()
	if len(want) != len(got) {
		return fmt.Errorf("snapshot length mismatch: expected=%d actual=%d", len(want), len(got))
	}
	for _, entry := range want {
		p, ok := actual.Position(entry.Key)
		if !ok {
			return fmt.Errorf("snapshot missing position: %s", entry.Key)
		}
		if !p.Quantity.Equal(entry.Quantity) {
			return fmt.Errorf("snapshot qty mismatch: key=%s expected=%s actual=%s", entry.Key, entry.Quantity, p.Quantity)
		}
		if !p.CostBasis.Equal(entry.CostBasis) {
			return fmt.Errorf("snapshot cost basis mismatch: key=%s expected=%s actual=%s", entry.Key, entry.CostBasis, p.CostBasis)
		}
	}
	return nil
}
