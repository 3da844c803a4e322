package types

import "log/slog"

const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString holds credentials (Stripe keys, webhook signing secrets,
// connection strings). String and MarshalJSON return a redacted placeholder so
// the value never reaches logs or config dumps.
type SecretString string

// String returns the redacted placeholder.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// LogValue keeps slog from printing the raw value.
func (s SecretString) LogValue() slog.Value {
	return slog.StringValue(redactedPlaceholder)
}

// Unmask returns the raw value. Only call it at the point the secret is used
// (HTTP Authorization header, signature verification, database DSN).
func (s SecretString) Unmask() string {
	return string(s)
}

// IsSet reports whether a value is present.
func (s SecretString) IsSet() bool {
	return s != ""
}
