package ranking

import "fmt"

// EngagementWeights scale each engagement signal before the log is taken
type EngagementWeights struct {
	Like      float64 `yaml:"like"`
	Repost    float64 `yaml:"repost"`
	Reply     float64 `yaml:"reply"`
	Quote     float64 `yaml:"quote"`
	Zap       float64 `yaml:"zap"`         // per zap receipt
	ZapPerSat float64 `yaml:"zap_per_sat"` // per sat zapped
}

// Config holds the ranking weights. All terms are summed, so each weight is
// the most a term can contribute (engagement aside, which grows with ln).
type Config struct {
	FirstDegreeWeight   float64           `yaml:"first_degree_weight"`
	MutualFollowBonus   float64           `yaml:"mutual_follow_bonus"`
	SecondDegreeWeight  float64           `yaml:"second_degree_weight"`
	EngagementWeight    float64           `yaml:"engagement_weight"`
	Engagement          EngagementWeights `yaml:"engagement"`
	RecencyWeight       float64           `yaml:"recency_weight"`
	HalfLifeHours       float64           `yaml:"half_life_hours"`
	LocalityWeight      float64           `yaml:"locality_weight"`
	AuthorQualityWeight float64           `yaml:"author_quality_weight"`
}

// DefaultConfig returns the stock weights. Engagement weights keep the
// relative order of zap > quote > reply > repost > like.
func DefaultConfig() Config {
	return Config{
		FirstDegreeWeight:  3.0,
		MutualFollowBonus:  0.5,
		SecondDegreeWeight: 1.5,
		EngagementWeight:   1.0,
		Engagement: EngagementWeights{
			Like:      1,
			Repost:    5,
			Reply:     6,
			Quote:     7,
			Zap:       20,
			ZapPerSat: 0.01,
		},
		RecencyWeight:       4.0,
		HalfLifeHours:       6,
		LocalityWeight:      1.0,
		AuthorQualityWeight: 0.3,
	}
}

// Validate rejects weights that would break the ordering guarantees
func (c Config) Validate() error {
	if c.HalfLifeHours <= 0 {
		return fmt.Errorf("ranking.half_life_hours must be positive")
	}
	if c.FirstDegreeWeight < c.SecondDegreeWeight || c.SecondDegreeWeight < 0 {
		return fmt.Errorf("ranking: need first_degree_weight >= second_degree_weight >= 0")
	}
	if c.RecencyWeight < 0 || c.EngagementWeight < 0 || c.LocalityWeight < 0 || c.AuthorQualityWeight < 0 || c.MutualFollowBonus < 0 {
		return fmt.Errorf("ranking weights must not be negative")
	}
	e := c.Engagement
	if e.Like < 0 || e.Repost < 0 || e.Reply < 0 || e.Quote < 0 || e.Zap < 0 || e.ZapPerSat < 0 {
		return fmt.Errorf("ranking.engagement weights must not be negative")
	}
	return nil
}
