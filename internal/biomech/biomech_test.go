package biomech

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategorizeIsDirectionAware(t *testing.T) {
	flex, ok := Lookup(MetricPeakFlexion)
	require.True(t, ok)
	assert.Equal(t, CategoryOptimal, flex.Categorize(125))
	assert.Equal(t, CategoryOptimal, flex.Categorize(120))
	assert.Equal(t, CategoryAverage, flex.Categorize(95))
	assert.Equal(t, CategoryDeficient, flex.Categorize(60))

	jerk, ok := Lookup(MetricRMSJerk)
	require.True(t, ok)
	assert.Equal(t, CategoryOptimal, jerk.Categorize(4000))
	assert.Equal(t, CategoryAverage, jerk.Categorize(9000))
	assert.Equal(t, CategoryDeficient, jerk.Categorize(12000))
	assert.True(t, jerk.Better(4000, 5000))
	assert.False(t, flex.Better(4000, 5000))
}

func TestShortfall(t *testing.T) {
	rom, _ := Lookup(MetricAverageROM)
	assert.Zero(t, rom.Shortfall(80))
	assert.InDelta(t, 0.5, rom.Shortfall(35), 1e-9)
}

func TestSessionValueLookup(t *testing.T) {
	s := SessionMetrics{
		Left:         LimbMetrics{AverageROM: 101},
		Right:        LimbMetrics{AverageROM: 88},
		Bilateral:    BilateralMetrics{PhaseShift: 12},
		OverallScore: 70,
	}
	v, ok := s.Value(MetricAverageROM, LimbRight)
	require.True(t, ok)
	assert.Equal(t, 88.0, v)

	v, ok = s.Value(MetricPhaseShift, LimbLeft)
	require.True(t, ok)
	assert.Equal(t, 12.0, v)

	_, ok = s.Value(MetricAverageROM, LimbNone)
	assert.False(t, ok)
	_, ok = s.Value("grip_strength", LimbLeft)
	assert.False(t, ok)

	readings := s.Readings()
	assert.Len(t, readings, len(LimbMetricNames())*2+7)
}

func TestSessionValidate(t *testing.T) {
	s := SessionMetrics{OverallScore: 60, Bilateral: BilateralMetrics{CrossCorrelation: 0.9}}
	require.NoError(t, s.Validate())

	bad := s
	bad.Left.PeakAngularVelocity = math.NaN()
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "left.peak_angular_velocity")

	bad = s
	bad.Bilateral.CrossCorrelation = 1.4
	require.Error(t, bad.Validate())

	bad = s
	bad.Right.AverageROM = -3
	require.Error(t, bad.Validate())
}

func TestPatternKeyIgnoresOrder(t *testing.T) {
	a := Pattern{Type: PatternCorrelation, Metrics: []string{"rms_jerk", "rom_cov"}, Limbs: []Limb{LimbRight, LimbLeft}}
	b := Pattern{Type: PatternCorrelation, Metrics: []string{"rom_cov", "rms_jerk"}, Limbs: []Limb{LimbLeft, LimbRight}}
	assert.Equal(t, a.Key(), b.Key())
	assert.Equal(t, PatternID(a), PatternID(b))
	assert.True(t, strings.HasPrefix(PatternID(a), "pat-"))

	c := a
	c.Type = PatternAsymmetry
	assert.NotEqual(t, a.Key(), c.Key())
}

func TestEvidenceKeyNormalizesCitation(t *testing.T) {
	a := Evidence{PatternID: "p1", Citation: "Smith et al. (2020)  Knee ROM"}
	b := Evidence{PatternID: "p1", Citation: "smith et al. (2020) knee rom "}
	c := Evidence{PatternID: "p2", Citation: a.Citation}
	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
}

func TestIssueKeyUsesDescriptionPrefix(t *testing.T) {
	base := strings.Repeat("x", issueKeyPrefix)
	a := ValidationIssue{RuleType: RuleTerminology, InsightIDs: []string{"i2", "i1"}, Description: base + " first tail"}
	b := ValidationIssue{RuleType: RuleTerminology, InsightIDs: []string{"i1", "i2"}, Description: base + " other tail"}
	assert.Equal(t, a.Key(), b.Key())
}

func TestSortIssuesErrorsFirst(t *testing.T) {
	issues := []ValidationIssue{
		{Severity: IssueWarning, Description: "w1"},
		{Severity: IssueError, Description: "e1"},
		{Severity: IssueWarning, Description: "w2"},
		{Severity: IssueError, Description: "e2"},
	}
	SortIssues(issues)
	var order []string
	for _, is := range issues {
		order = append(order, is.Description)
	}
	assert.Equal(t, []string{"e1", "e2", "w1", "w2"}, order)

	errs, warns := CountIssues(issues)
	assert.Equal(t, 2, errs)
	assert.Equal(t, 2, warns)
}

func TestTierRank(t *testing.T) {
	assert.Less(t, TierS.Rank(), TierA.Rank())
	assert.Less(t, TierC.Rank(), TierD.Rank())
	assert.False(t, Tier("E").Valid())
}
