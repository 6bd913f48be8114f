package errcode

// Codes carried in batch notifications and validation warnings.
//   - 0: no error
//   - 4xxx: the batch finished but needs operator attention
//   - 5xxx: system error, the step did not complete
const (
	OK               = 0
	PartialFailure   = 4001
	UnmappedVariable = 4002
	ResourceMissing  = 4004
	SystemError      = 5000
)
