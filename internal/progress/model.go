package progress

import "time"

const xpPerLevel = 1000

type Progress struct {
	UserID        string     `json:"userId"`
	Level         int        `json:"level"`
	XP            int64      `json:"xp"`
	CurrentStreak int        `json:"currentStreak"`
	LongestStreak int        `json:"longestStreak"`
	LastActiveOn  *time.Time `json:"lastActiveOn"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

type UpdateInput struct {
	XP            int64 `json:"xp" validate:"gte=0"`
	CurrentStreak int   `json:"currentStreak" validate:"gte=0"`
	LongestStreak int   `json:"longestStreak" validate:"gte=0,gtefield=CurrentStreak"`
}

type ActivityInput struct {
	XP int64 `json:"xp" validate:"gte=0,lte=100000"`
}

type LeaderboardEntry struct {
	Rank          int    `json:"rank"`
	UserID        string `json:"userId"`
	Level         int    `json:"level"`
	XP            int64  `json:"xp"`
	CurrentStreak int    `json:"currentStreak"`
}

type SimilarUser struct {
	UserID     string  `json:"userId"`
	Similarity float64 `json:"similarity"`
}

type EmbeddingInput struct {
	Embedding []float32 `json:"embedding" validate:"required,min=1,max=2048"`
}

func Empty(userID string) Progress {
	return Progress{UserID: userID, Level: 1}
}

func LevelFor(xp int64) int {
	if xp < 0 {
		xp = 0
	}
	return int(xp/xpPerLevel) + 1
}

// RecordActivity adds xp and advances the daily streak. Days are UTC calendar
// days: activity on the same day keeps the streak, the next day extends it,
// and any longer gap restarts it at one.
func RecordActivity(p Progress, xp int64, now time.Time) Progress {
	today := truncateDay(now)

	switch {
	case p.LastActiveOn == nil:
		p.CurrentStreak = 1
	default:
		last := truncateDay(*p.LastActiveOn)
		switch days := int(today.Sub(last).Hours() / 24); {
		case days <= 0:
			if p.CurrentStreak == 0 {
				p.CurrentStreak = 1
			}
		case days == 1:
			p.CurrentStreak++
		default:
			p.CurrentStreak = 1
		}
	}

	if p.CurrentStreak > p.LongestStreak {
		p.LongestStreak = p.CurrentStreak
	}
	if xp > 0 {
		p.XP += xp
	}
	p.Level = LevelFor(p.XP)
	p.LastActiveOn = &today
	p.UpdatedAt = now.UTC()

	return p
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
