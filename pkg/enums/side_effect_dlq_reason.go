package enums

// SideEffectDLQReason explains why an intent was dead-lettered.
type SideEffectDLQReason string

const (
	SideEffectDLQReasonMaxAttempts  SideEffectDLQReason = "max_attempts"
	SideEffectDLQReasonNonRetryable SideEffectDLQReason = "non_retryable"
)

var validSideEffectDLQReasons = []SideEffectDLQReason{
	SideEffectDLQReasonMaxAttempts,
	SideEffectDLQReasonNonRetryable,
}

func (r SideEffectDLQReason) IsValid() bool {
	for _, candidate := range validSideEffectDLQReasons {
		if candidate == r {
			return true
		}
	}
	return false
}
