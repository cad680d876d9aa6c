package retention

import (
	"fmt"

	"github.com/supporttools/GoBackupKeeper/pkg/metadata/types"
)

// Thinner picks which backups of a windowed tier survive. It receives the
// tier's backups oldest first and must return each backup in exactly one of
// the two slices.
type Thinner interface {
	Thin(tier Tier, backups []types.BackupHistory) (keep, drop []types.BackupHistory)
}

// RetainAll keeps every backup inside its window
type RetainAll struct{}

// Thin keeps everything
func (RetainAll) Thin(_ Tier, backups []types.BackupHistory) (keep, drop []types.BackupHistory) {
	return backups, nil
}

// OnePerPeriod keeps the newest backup of each ISO week in the weekly tier,
// each calendar month in the monthly tier and each year in the yearly tier
type OnePerPeriod struct{}

// Thin keeps one representative per period
func (OnePerPeriod) Thin(tier Tier, backups []types.BackupHistory) (keep, drop []types.BackupHistory) {
	newest := make(map[string]int)
	for i, b := range backups {
		// backups arrive oldest first so the last index per period is the newest
		newest[periodKey(tier, b)] = i
	}
	for i, b := range backups {
		if newest[periodKey(tier, b)] == i {
			keep = append(keep, b)
		} else {
			drop = append(drop, b)
		}
	}
	return keep, drop
}

func periodKey(tier Tier, b types.BackupHistory) string {
	t := b.StartedAt.UTC()
	switch tier {
	case TierWeekly:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case TierMonthly:
		return t.Format("2006-01")
	case TierYearly:
		return t.Format("2006")
	default:
		return t.Format("2006-01-02")
	}
}

// ThinnerFor maps the configured thinning mode to a Thinner
func ThinnerFor(mode string) (Thinner, error) {
	switch mode {
	case "", "all":
		return RetainAll{}, nil
	case "one-per-period":
		return OnePerPeriod{}, nil
	default:
		return nil, fmt.Errorf("unsupported retention thinning %q", mode)
	}
}
