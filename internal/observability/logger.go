package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging across the BDT/NDN stack.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger bound to a service name/version.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// WithDevice adds device_id context to logger.
func (l *Logger) WithDevice(deviceID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("device_id", deviceID).Logger(),
	}
}

// WithPeer adds peer_id context to logger.
func (l *Logger) WithPeer(peerID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("peer_id", peerID).Logger(),
	}
}

// WithSession adds session_id context to logger.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("session_id", sessionID).Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// PingRoundTrip logs the outcome of a single SN ping round.
func (l *Logger) PingRoundTrip(sn string, seq uint32, online bool, rtt time.Duration) {
	l.logger.Info().
		Str("sn", sn).
		Uint32("seq", seq).
		Bool("online", online).
		Dur("rtt", rtt).
		Msg("sn ping round trip")
}

// CallResolved logs a resolved SN call, including the winning path.
func (l *Logger) CallResolved(remote, sn, path string, elapsed time.Duration) {
	l.logger.Info().
		Str("remote", remote).
		Str("sn", sn).
		Str("path", path).
		Dur("elapsed", elapsed).
		Msg("sn call resolved")
}

// CallFailed logs a call that exhausted all SNs/paths.
func (l *Logger) CallFailed(remote, reason string) {
	l.logger.Warn().
		Str("remote", remote).
		Str("reason", reason).
		Msg("sn call failed")
}

// TunnelEstablished logs a tunnel reaching a usable state.
func (l *Logger) TunnelEstablished(remote, kind string) {
	l.logger.Info().
		Str("remote", remote).
		Str("kind", kind).
		Msg("tunnel established")
}

// ChannelFinished logs a channel session completing delivery.
func (l *Logger) ChannelFinished(sessionID, chunk string, bytes int64, elapsed time.Duration) {
	l.logger.Info().
		Str("session_id", sessionID).
		Str("chunk", chunk).
		Int64("bytes", bytes).
		Dur("elapsed", elapsed).
		Msg("channel session finished")
}

// ChannelTimeout logs a channel session abandoned on a stalled chunk.
func (l *Logger) ChannelTimeout(sessionID, chunk string) {
	l.logger.Warn().
		Str("session_id", sessionID).
		Str("chunk", chunk).
		Msg("channel session timed out")
}

// PieceRetransmit logs a piece control retransmit request.
func (l *Logger) PieceRetransmit(sessionID string, lost int, reason string) {
	l.logger.Debug().
		Str("session_id", sessionID).
		Int("lost_count", lost).
		Str("reason", reason).
		Msg("piece retransmit requested")
}

// KeystoreEvicted logs keystore capacity eviction.
func (l *Logger) KeystoreEvicted(peers, hashes int) {
	l.logger.Debug().
		Int("peers_evicted", peers).
		Int("hashes_evicted", hashes).
		Msg("keystore capacity eviction")
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
