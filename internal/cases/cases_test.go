package cases

import (
	"strings"
	"testing"

	"go.uber.org/zap"
)

func star(v int64) *int64 { return &v }

func validCase() Config {
	return Config{
		ID:           "starter",
		Title:        "Starter Case",
		PriceStars:   100,
		RtpExtMin:    0.2,
		RtpExtMax:    0.9,
		JackpotAlpha: 0.05,
		Items: []PrizeItem{
			{ID: "gift-rose", Kind: KindGift, StarCost: star(25), ProbabilityPpm: 200_000, GiftID: "5168103777563050263"},
			{ID: "prem-3m", Kind: KindPremium3M, StarCost: star(1000), ProbabilityPpm: 30_000},
			{ID: "credit", Kind: KindInternal, StarCost: star(0), ProbabilityPpm: 500_000},
		},
	}
}

func TestValidCasePasses(t *testing.T) {
	rep := Validate(validCase())
	if !rep.IsOk {
		t.Fatalf("valid case rejected: %v", rep.Problems)
	}
	// evExt = 25*0.2 + 1000*0.03 = 35; rtpExt = 0.35
	if rep.Preview.EvExt != 35 {
		t.Errorf("evExt: got %v want 35", rep.Preview.EvExt)
	}
	if rep.Preview.RtpExt != 0.35 {
		t.Errorf("rtpExt: got %v want 0.35", rep.Preview.RtpExt)
	}
	if rep.Preview.SumPpm != 730_000 {
		t.Errorf("sumPpm: got %v want 730000", rep.Preview.SumPpm)
	}
}

func TestBrokenCaseProblems(t *testing.T) {
	c := validCase()
	c.JackpotAlpha = 0.5
	c.Items = []PrizeItem{
		{ID: "a", Kind: KindGift, StarCost: star(700), ProbabilityPpm: 420_000},
		{ID: "b", Kind: KindGift, StarCost: star(-10), ProbabilityPpm: 680_001},
	}
	rep := Validate(c)
	if rep.IsOk {
		t.Fatal("broken case accepted")
	}

	joined := strings.Join(rep.Problems, "\n")
	for _, want := range []string{
		"sumPpm=1100001 > 1_000_000",
		"вне коридора",
		"jackpotAlpha=0.500000 вне диапазона [0.0, 0.2]",
		"starCost=-10 < 0",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("problems missing %q:\n%s", want, joined)
		}
	}
}

func TestExternalKindRequiresStarCost(t *testing.T) {
	c := validCase()
	c.Items[0].StarCost = nil
	rep := Validate(c)
	if rep.IsOk {
		t.Fatal("missing starCost on GIFT must fail")
	}
}

func TestRtpCorridor(t *testing.T) {
	c := validCase()
	c.RtpExtMax = 0.3 // actual 0.35 → out of corridor
	rep := Validate(c)
	if rep.IsOk {
		t.Fatal("rtp above corridor must fail")
	}
}

const catalogueYAML = `
cases:
  - id: starter
    title: Starter Case
    price_stars: 100
    rtp_ext_min: 0.2
    rtp_ext_max: 0.9
    jackpot_alpha: 0.05
    items:
      - id: gift-rose
        kind: GIFT
        star_cost: 25
        probability_ppm: 200000
      - id: credit
        kind: INTERNAL
        star_cost: 0
        probability_ppm: 500000
  - id: broken
    title: Broken
    price_stars: 50
    rtp_ext_min: 0.0
    rtp_ext_max: 1.0
    jackpot_alpha: 0.9
    items: []
`

func TestLoaderRejectsBadKeepsGood(t *testing.T) {
	l := NewLoader("unused", zap.NewNop())
	reports, err := l.LoadBytes([]byte(catalogueYAML))
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 2 {
		t.Fatalf("reports: got %d want 2", len(reports))
	}

	snap := l.Snapshot()
	if _, ok := snap.Get("starter"); !ok {
		t.Error("good case must load")
	}
	if _, ok := snap.Get("broken"); ok {
		t.Error("broken case must be rejected")
	}
	if got := len(snap.PublicList()); got != 1 {
		t.Errorf("public list: got %d want 1", got)
	}
}

func TestLoaderKeepsLastGoodOnParseError(t *testing.T) {
	l := NewLoader("unused", zap.NewNop())
	if _, err := l.LoadBytes([]byte(catalogueYAML)); err != nil {
		t.Fatal(err)
	}
	if _, err := l.LoadBytes([]byte("cases: [")); err == nil {
		t.Fatal("parse error expected")
	}
	if _, ok := l.Snapshot().Get("starter"); !ok {
		t.Error("last good snapshot must survive a failed reload")
	}
}
