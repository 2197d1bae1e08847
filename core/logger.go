package core

// Logger is implemented by every log backend used across the apps.
// args may carry an error, a map[string]interface{} of extras and at most one Identity.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{})
}

// Identity is the person an event relates to (a student or a teacher).
type Identity struct {
	ID    string
	Name  string
	Email string
}
