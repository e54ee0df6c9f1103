package services

import (
	"sort"
	"strings"
	"time"

	"github.com/fieldworkhq/fieldwork/internal/models"
)

// consentKeyPrefix marks session-answer keys that carry a consent decision,
// e.g. "consent-abc123" -> "agree".
const consentKeyPrefix = "consent-"

// consentAgree is the decision value meaning the participant agreed.
const consentAgree = "agree"

// wizardKeys are UI wizard-state fields that must never be persisted as
// demographic data.
var wizardKeys = []string{"id", "step", "mode", "covered", "numberOfConsents", "activeConsent"}

// ExtractConsentDecisions pulls every consent-<id> decision out of a session
// answer blob. It returns the ledger entries to merge into an identity's
// consentsInfo (one per decision, agreed or not) and the ids of consents that
// were actually agreed to, sorted for stable output.
func ExtractConsentDecisions(answers map[string]any, now time.Time) (map[string]models.ConsentEntry, []string) {
	entries := map[string]models.ConsentEntry{}
	var agreed []string
	for key, value := range answers {
		if !strings.HasPrefix(key, consentKeyPrefix) {
			continue
		}
		id := key[len(consentKeyPrefix):]
		if id == "" {
			continue
		}
		decision, _ := value.(string)
		entries[id] = models.ConsentEntry{
			Decision:           decision,
			CreatedAt:          now,
			UpdatedAt:          now,
			SaveCoveredConsent: true,
		}
		if decision == consentAgree {
			agreed = append(agreed, id)
		}
	}
	sort.Strings(agreed)
	return entries, agreed
}

// MergeConsentEntries merges update into current without mutating either.
// New ids are added, existing ids are replaced.
func MergeConsentEntries(current, update map[string]models.ConsentEntry) map[string]models.ConsentEntry {
	out := make(map[string]models.ConsentEntry, len(current)+len(update))
	for id, e := range current {
		out[id] = e
	}
	for id, e := range update {
		out[id] = e
	}
	return out
}

// StripWizardKeys returns a copy of answers with wizard bookkeeping fields
// removed, suitable for merging into an identity's generalInfo.
func StripWizardKeys(answers map[string]any) map[string]any {
	out := make(map[string]any, len(answers))
	for k, v := range answers {
		out[k] = v
	}
	for _, k := range wizardKeys {
		delete(out, k)
	}
	return out
}
