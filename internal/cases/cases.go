// Package cases loads and validates the case catalogue: price, prize table,
// and payout economics expressed in parts-per-million.
package cases

import (
	"fmt"
)

const PpmScale = 1_000_000

// PrizeKind enumerates what a slot pays out.
type PrizeKind string

const (
	KindPremium3M  PrizeKind = "PREMIUM_3M"
	KindPremium6M  PrizeKind = "PREMIUM_6M"
	KindPremium12M PrizeKind = "PREMIUM_12M"
	KindGift       PrizeKind = "GIFT"
	KindInternal   PrizeKind = "INTERNAL"
)

// External reports whether awarding the prize costs stars outside the bot.
func (k PrizeKind) External() bool { return k != KindInternal }

// PremiumMonths returns the subscription length, 0 for non-premium kinds.
func (k PrizeKind) PremiumMonths() int {
	switch k {
	case KindPremium3M:
		return 3
	case KindPremium6M:
		return 6
	case KindPremium12M:
		return 12
	default:
		return 0
	}
}

func (k PrizeKind) valid() bool {
	switch k {
	case KindPremium3M, KindPremium6M, KindPremium12M, KindGift, KindInternal:
		return true
	}
	return false
}

// PrizeItem is one weighted slot of a case. StarCost is a pointer so that an
// omitted cost is distinguishable from zero; external kinds require it.
type PrizeItem struct {
	ID             string    `yaml:"id"`
	Kind           PrizeKind `yaml:"kind"`
	StarCost       *int64    `yaml:"star_cost"`
	ProbabilityPpm int64     `yaml:"probability_ppm"`
	GiftID         string    `yaml:"gift_id,omitempty"`
}

// Config is one purchasable case.
type Config struct {
	ID           string      `yaml:"id"`
	Title        string      `yaml:"title"`
	PriceStars   int64       `yaml:"price_stars"`
	RtpExtMin    float64     `yaml:"rtp_ext_min"`
	RtpExtMax    float64     `yaml:"rtp_ext_max"`
	JackpotAlpha float64     `yaml:"jackpot_alpha"`
	Thumbnail    string      `yaml:"thumbnail,omitempty"`
	Items        []PrizeItem `yaml:"items"`
}

// Root is the catalogue file shape.
type Root struct {
	Cases []Config `yaml:"cases"`
}

// Preview is the computed economics of a case.
type Preview struct {
	EvExt  float64 `json:"evExt"`
	RtpExt float64 `json:"rtpExt"`
	SumPpm int64   `json:"sumPpm"`
	Alpha  float64 `json:"alpha"`
}

// ValidationReport collects the problems of one case.
type ValidationReport struct {
	CaseID   string   `json:"caseId"`
	IsOk     bool     `json:"isOk"`
	Problems []string `json:"problems,omitempty"`
	Preview  Preview  `json:"preview"`
}

// Validate checks the catalogue invariants and computes the economics
// preview. A case with any problem is rejected at load time.
func Validate(c Config) ValidationReport {
	r := ValidationReport{CaseID: c.ID}

	var sumPpm int64
	var evExt float64

	if c.ID == "" {
		r.Problems = append(r.Problems, "id пустой")
	}
	if c.PriceStars <= 0 {
		r.Problems = append(r.Problems, fmt.Sprintf("priceStars=%d <= 0", c.PriceStars))
	}

	for _, it := range c.Items {
		if !it.Kind.valid() {
			r.Problems = append(r.Problems, fmt.Sprintf("kind=%q неизвестен у позиции %s", it.Kind, it.ID))
			continue
		}
		if it.ProbabilityPpm < 0 || it.ProbabilityPpm > PpmScale {
			r.Problems = append(r.Problems,
				fmt.Sprintf("probabilityPpm=%d вне диапазона [0, 1_000_000] у позиции %s", it.ProbabilityPpm, it.ID))
		}
		sumPpm += it.ProbabilityPpm

		switch {
		case it.StarCost == nil:
			if it.Kind.External() {
				r.Problems = append(r.Problems,
					fmt.Sprintf("starCost обязателен для kind=%s у позиции %s", it.Kind, it.ID))
			}
		case *it.StarCost < 0:
			r.Problems = append(r.Problems,
				fmt.Sprintf("starCost=%d < 0 у позиции %s", *it.StarCost, it.ID))
		default:
			if it.Kind.External() {
				evExt += float64(*it.StarCost) * float64(it.ProbabilityPpm) / PpmScale
			}
		}
	}

	if sumPpm > PpmScale {
		r.Problems = append(r.Problems, fmt.Sprintf("sumPpm=%d > 1_000_000", sumPpm))
	}
	if c.JackpotAlpha < 0 || c.JackpotAlpha > 0.2 {
		r.Problems = append(r.Problems,
			fmt.Sprintf("jackpotAlpha=%f вне диапазона [0.0, 0.2]", c.JackpotAlpha))
	}

	rtpExt := 0.0
	if c.PriceStars > 0 {
		rtpExt = evExt / float64(c.PriceStars)
	}
	if rtpExt < c.RtpExtMin || rtpExt > c.RtpExtMax {
		r.Problems = append(r.Problems,
			fmt.Sprintf("rtpExt=%f вне коридора [%f, %f]", rtpExt, c.RtpExtMin, c.RtpExtMax))
	}

	r.Preview = Preview{EvExt: evExt, RtpExt: rtpExt, SumPpm: sumPpm, Alpha: c.JackpotAlpha}
	r.IsOk = len(r.Problems) == 0
	return r
}

// PublicCase is the web-view projection: no prize table, no economics.
type PublicCase struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	PriceStars int64  `json:"priceStars"`
	Thumbnail  string `json:"thumbnail,omitempty"`
}

func (c Config) Public() PublicCase {
	return PublicCase{ID: c.ID, Title: c.Title, PriceStars: c.PriceStars, Thumbnail: c.Thumbnail}
}
