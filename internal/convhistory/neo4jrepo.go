package convhistory

import (
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/ragflow/pipeline/pkg/repo"
)

// NewNeo4jDurableStore wires DurableStore on top of the generic
// pkg/repo.Neo4jRepo, storing turns as :Turn nodes keyed by turn_id.
func NewNeo4jDurableStore(driver neo4j.DriverWithContext) *DurableStore {
	r := repo.NewNeo4jRepo[Turn, string](driver, "Turn", turnToMap, turnFromRecord,
		repo.WithIDKey[Turn, string]("turn_id"))
	return NewDurableStore(r)
}

func turnToMap(t Turn) map[string]any {
	props := map[string]any{
		"turn_id":                       t.TurnID,
		"session_id":                    t.SessionID,
		"request_id":                    t.RequestID,
		"created_at_utc":                t.CreatedAtUTC.Format(time.RFC3339Nano),
		"identity_id":                   t.IdentityID,
		"question_neutral":              t.QuestionNeutral,
		"answer_neutral":                t.AnswerNeutral,
		"question_translated":           t.QuestionTranslated,
		"answer_translated":             t.AnswerTranslated,
		"answer_translated_is_fallback": t.AnswerTranslatedIsFallback,
	}
	if t.FinalizedAtUTC != nil {
		props["finalized_at_utc"] = t.FinalizedAtUTC.Format(time.RFC3339Nano)
	}
	return props
}

func turnFromRecord(rec *neo4j.Record) (Turn, error) {
	node, _, err := neo4j.GetRecordValue[neo4j.Node](rec, "n")
	if err != nil {
		return Turn{}, err
	}
	props := node.Props

	t := Turn{
		TurnID:                     propString(props, "turn_id"),
		SessionID:                  propString(props, "session_id"),
		RequestID:                  propString(props, "request_id"),
		IdentityID:                 propString(props, "identity_id"),
		QuestionNeutral:            propString(props, "question_neutral"),
		AnswerNeutral:              propString(props, "answer_neutral"),
		QuestionTranslated:         propString(props, "question_translated"),
		AnswerTranslated:           propString(props, "answer_translated"),
		AnswerTranslatedIsFallback: propBool(props, "answer_translated_is_fallback"),
	}
	if ts, ok := props["created_at_utc"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			t.CreatedAtUTC = parsed
		}
	}
	if ts, ok := props["finalized_at_utc"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			t.FinalizedAtUTC = &parsed
		}
	}
	return t, nil
}

func propString(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

func propBool(props map[string]any, key string) bool {
	b, _ := props[key].(bool)
	return b
}
