// Package quota validates a user's aggregate volume allocation against the
// ceilings carried by the user record.
package quota

import (
	"fmt"
	"math"

	"github.com/cuongbtq/neptis/internal/domain"
)

// Class selects which ceiling a byte count is charged against
type Class int

const (
	Data Class = iota
	Repo
)

func (c Class) String() string {
	if c == Repo {
		return "repository"
	}
	return "data"
}

// Ceiling returns the user's limit for the class
func Ceiling(user *domain.User, class Class) int64 {
	if class == Repo {
		return user.MaxSnapshotBytes
	}
	return user.MaxDataBytes
}

// Add returns a + b clamped to the int64 range
func Add(a, b int64) int64 {
	switch {
	case b > 0 && a > math.MaxInt64-b:
		return math.MaxInt64
	case b < 0 && a < math.MinInt64-b:
		return math.MinInt64
	}
	return a + b
}

// Aggregate sums the allocated bytes of a class across volumes. The sum
// saturates instead of wrapping.
func Aggregate(volumes []domain.Volume, class Class) int64 {
	var total int64
	for i := range volumes {
		if class == Repo {
			total = Add(total, volumes[i].RepoMaxBytes)
		} else {
			total = Add(total, volumes[i].DataMaxBytes)
		}
	}
	return total
}

// Total is the aggregate of a class once requested bytes are added to it
func Total(volumes []domain.Volume, class Class, requested int64) int64 {
	return Add(Aggregate(volumes, class), requested)
}

// CheckSingleLimit denies when currentAggregate + delta exceeds the class ceiling.
// Reaching the ceiling exactly is allowed.
func CheckSingleLimit(user *domain.User, currentAggregate, delta int64, class Class) error {
	ceiling := Ceiling(user, class)
	if Add(currentAggregate, delta) > ceiling {
		return domain.BadRequest(fmt.Sprintf(
			"Insufficient %s quota: %d bytes requested, %d of %d bytes allocated",
			class, delta, currentAggregate, ceiling,
		))
	}
	return nil
}

// CheckPairLimit denies when either post-change total exceeds its ceiling
func CheckPairLimit(user *domain.User, dataTotal, repoTotal int64) error {
	if dataTotal > user.MaxDataBytes {
		return domain.BadRequest(fmt.Sprintf(
			"Insufficient data quota: %d bytes would exceed the limit of %d bytes",
			dataTotal, user.MaxDataBytes,
		))
	}
	if repoTotal > user.MaxSnapshotBytes {
		return domain.BadRequest(fmt.Sprintf(
			"Insufficient repository quota: %d bytes would exceed the limit of %d bytes",
			repoTotal, user.MaxSnapshotBytes,
		))
	}
	return nil
}
