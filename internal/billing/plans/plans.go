package plans

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/rendivia-backend/internal/domain/billing"
)

const (
	DefaultPlanID = "free"
	Unlimited     = int64(-1)
)

type Feature string

const (
	FeatureAPIAccess       Feature = "api_access"
	FeatureWebhooks        Feature = "webhooks"
	FeatureBrandKits       Feature = "brand_kits"
	FeatureRemoveWatermark Feature = "remove_watermark"
)

type Limits struct {
	VideosPerMonth     int64  `yaml:"videos_per_month" json:"videos_per_month"`
	RendersPerMonth    int64  `yaml:"renders_per_month" json:"renders_per_month"`
	APICallsPerMonth   int64  `yaml:"api_calls_per_month" json:"api_calls_per_month"`
	MaxDurationSeconds int64  `yaml:"max_duration_seconds" json:"max_duration_seconds"`
	MaxResolution      string `yaml:"max_resolution" json:"max_resolution"`
}

type Plan struct {
	ID       string           `yaml:"-" json:"id"`
	Name     string           `yaml:"name" json:"name"`
	Limits   Limits           `yaml:"limits" json:"limits"`
	Features map[Feature]bool `yaml:"features" json:"features"`
}

//go:embed plans.yaml
var plansYAML []byte

var table = mustParse(plansYAML)

func mustParse(raw []byte) map[string]*Plan {
	var doc struct {
		Plans map[string]*Plan `yaml:"plans" json:"plans"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		panic(fmt.Sprintf("plans: parse plans.yaml: %v", err))
	}
	if _, ok := doc.Plans[DefaultPlanID]; !ok {
		panic("plans: plans.yaml has no " + DefaultPlanID + " plan")
	}
	for id, p := range doc.Plans {
		p.ID = id
	}
	return doc.Plans
}

// Lookup returns the plan for id, falling back to the free plan.
func Lookup(id string) *Plan {
	if p, ok := table[strings.ToLower(strings.TrimSpace(id))]; ok {
		return p
	}
	return table[DefaultPlanID]
}

// Limit returns the monthly cap for kind on planID; -1 is unlimited.
func Limit(planID string, kind billing.UsageKind) int64 {
	l := Lookup(planID).Limits
	switch kind {
	case billing.UsageVideos:
		return l.VideosPerMonth
	case billing.UsageRenders:
		return l.RendersPerMonth
	case billing.UsageAPICalls:
		return l.APICallsPerMonth
	default:
		return 0
	}
}

func HasFeature(planID string, f Feature) bool {
	return Lookup(planID).Features[f]
}

// Allows reports whether one more unit fits under limit given current usage.
func Allows(limit, current int64) bool {
	if limit == Unlimited {
		return true
	}
	return current < limit
}
