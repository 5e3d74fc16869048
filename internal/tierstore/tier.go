package tierstore

import "fmt"

// Tier identifies where a file's bytes live.
type Tier string

const (
	TierDatabase   Tier = "DATABASE"
	TierFilesystem Tier = "FILESYSTEM"
	TierRemote     Tier = "REMOTE"
)

const (
	MiB = 1 << 20

	// DefaultDatabaseMax is the largest size kept inline in the metadata store.
	DefaultDatabaseMax int64 = 10 * MiB
	// DefaultFilesystemMax is the largest size kept on local disk.
	DefaultFilesystemMax int64 = 30 * MiB
)

// Thresholds holds the inclusive upper bounds of the two lower tiers.
type Thresholds struct {
	DatabaseMax   int64
	FilesystemMax int64
}

// DefaultThresholds returns the 10 MiB / 30 MiB split.
func DefaultThresholds() Thresholds {
	return Thresholds{DatabaseMax: DefaultDatabaseMax, FilesystemMax: DefaultFilesystemMax}
}

// Validate reports whether the thresholds describe three non-empty tiers.
func (t Thresholds) Validate() error {
	if t.DatabaseMax < 0 {
		return fmt.Errorf("database threshold must not be negative, got %d", t.DatabaseMax)
	}
	if t.FilesystemMax < t.DatabaseMax {
		return fmt.Errorf("filesystem threshold %d is below database threshold %d", t.FilesystemMax, t.DatabaseMax)
	}
	return nil
}

// Classify maps a size to its tier. Boundary values belong to the lower tier.
func (t Thresholds) Classify(size int64) Tier {
	switch {
	case size <= t.DatabaseMax:
		return TierDatabase
	case size <= t.FilesystemMax:
		return TierFilesystem
	default:
		return TierRemote
	}
}

// ParseTier converts a stored tier name back into a Tier.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierDatabase, TierFilesystem, TierRemote:
		return Tier(s), nil
	default:
		return "", fmt.Errorf("unknown tier %q", s)
	}
}

func (t Tier) String() string { return string(t) }
