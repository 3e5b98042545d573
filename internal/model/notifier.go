package model

// Notifier delivers a digest to operators. The body is HTML.
type Notifier interface {
	Send(subject, htmlBody string) error
}
