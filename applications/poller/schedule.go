package poller

import "time"

// nextPollInterval implements the adaptive polling ladder: fast at first,
// slower once a number has sat idle, fast again briefly after any SMS
// arrives, then slower until the number reaches a terminal state.
func nextPollInterval(age time.Duration, receivedSince time.Duration, everReceivedSms bool) time.Duration {
	if everReceivedSms {
		if receivedSince <= 60*time.Second {
			return 5 * time.Second
		}
		return 20 * time.Second
	}
	switch {
	case age <= 2*time.Minute:
		return 3 * time.Second
	case age <= 10*time.Minute:
		return 10 * time.Second
	default:
		return 30 * time.Second
	}
}

const errorBackoff = 30 * time.Second

const maxConsecutiveErrors = 5
