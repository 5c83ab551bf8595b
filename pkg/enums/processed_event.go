package enums

// ProcessedEventOutcome records what happened to a deduplicated delivery.
type ProcessedEventOutcome string

const (
	// OutcomeReceived is only visible inside the claiming transaction.
	OutcomeReceived ProcessedEventOutcome = "received"
	OutcomeApplied  ProcessedEventOutcome = "applied"
	OutcomeIgnored  ProcessedEventOutcome = "ignored"
	OutcomeStale    ProcessedEventOutcome = "stale"
)

var validProcessedEventOutcomes = []ProcessedEventOutcome{
	OutcomeReceived,
	OutcomeApplied,
	OutcomeIgnored,
	OutcomeStale,
}

func (o ProcessedEventOutcome) String() string {
	return string(o)
}

func (o ProcessedEventOutcome) IsValid() bool {
	for _, candidate := range validProcessedEventOutcomes {
		if candidate == o {
			return true
		}
	}
	return false
}
