package routing

import "errors"

// ErrNoAvailableAccount is returned when the pool is exhausted or every
// account is disabled. Callers surface it as a retryable-later condition;
// it is never fatal to the process.
var ErrNoAvailableAccount = errors.New("no available account")
