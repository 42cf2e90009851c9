package domain

// StageID names one phase of the deliberation pipeline.
type StageID string

const (
	StageInitial  StageID = "initial"
	Stage1        StageID = "stage1"
	Stage1_5      StageID = "stage1_5"
	Stage2        StageID = "stage2"
	Stage3        StageID = "stage3"
	StageTitle    StageID = "title"
	StageComplete StageID = "complete"
)

var stageOrder = map[StageID]int{
	StageInitial:  0,
	Stage1:        1,
	Stage1_5:      2,
	Stage2:        3,
	Stage3:        4,
	StageTitle:    5,
	StageComplete: 6,
}

// Order returns the position of the stage in the pipeline. Unknown stages sort first.
func (s StageID) Order() int {
	return stageOrder[s]
}

// ModelResponse is one model's entry in a Stage 1 or Stage 1.5 payload.
// Error is set and Text empty when the model failed.
type ModelResponse struct {
	ModelID   string `json:"model_id"`
	Text      string `json:"text"`
	LatencyMS int64  `json:"latency_ms"`
	TokensIn  int    `json:"tokens_in,omitempty"`
	TokensOut int    `json:"tokens_out,omitempty"`
	Error     string `json:"error,omitempty"`
}

// OK reports whether the model produced usable text.
func (r ModelResponse) OK() bool {
	return r.Error == "" && r.Text != ""
}

// Successful filters the entries that produced text, preserving order.
func Successful(responses []ModelResponse) []ModelResponse {
	out := make([]ModelResponse, 0, len(responses))
	for _, r := range responses {
		if r.OK() {
			out = append(out, r)
		}
	}
	return out
}

// RankEntry is one ranked candidate inside a reviewer's ranking, after de-anonymisation.
type RankEntry struct {
	ModelID   string `json:"model_id"`
	Rank      int    `json:"rank"`
	Rationale string `json:"rationale,omitempty"`
}

// ModelRanking is one reviewer's Stage 2 output.
type ModelRanking struct {
	ModelID   string      `json:"model_id"`
	Rankings  []RankEntry `json:"rankings"`
	Raw       string      `json:"raw,omitempty"`
	LatencyMS int64       `json:"latency_ms"`
	Error     string      `json:"error,omitempty"`
}

// AggregateRank is the mean position a model received across reviewers.
type AggregateRank struct {
	ModelID       string  `json:"model_id"`
	AverageRank   float64 `json:"average_rank"`
	RankingsCount int     `json:"rankings_count"`
}

// StageTwoMetadata is derived from all reviewers' rankings.
type StageTwoMetadata struct {
	ConsensusWinner   string          `json:"consensus_winner"`
	DissentSet        []string        `json:"dissent_set"`
	AggregateRankings []AggregateRank `json:"aggregate_rankings,omitempty"`
}

// StageTwoPayload is the peer-review result.
type StageTwoPayload struct {
	Rankings []ModelRanking   `json:"rankings"`
	Metadata StageTwoMetadata `json:"metadata"`
}

// StageThreePayload is the chairman's synthesis. Confidence is nil when the
// synthesis did not carry a parsable confidence line.
type StageThreePayload struct {
	ModelID       string `json:"model_id"`
	Text          string `json:"text"`
	Confidence    *int   `json:"confidence"`
	PrimaryRisk   string `json:"primary_risk"`
	Tradeoff      string `json:"tradeoff"`
	FlipCondition string `json:"flip_condition"`
	LatencyMS     int64  `json:"latency_ms"`
}
