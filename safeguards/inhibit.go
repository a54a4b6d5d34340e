package safeguards

import (
	"fmt"
	"os"

	"github.com/coreos/go-systemd/v22/login1"
	"github.com/sirupsen/logrus"
)

// Inhibitor keeps logind from suspending or shutting down the machine while
// it is held.
type Inhibitor struct {
	fd     *os.File
	conn   *login1.Conn
	logger logrus.FieldLogger
}

// Inhibit takes a blocking logind inhibitor lock for shutdown and sleep.
func Inhibit(who, why string, logger logrus.FieldLogger) (*Inhibitor, error) {
	conn, err := login1.New()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to logind: %w", err)
	}
	fd, err := conn.Inhibit("shutdown:sleep", who, why, "block")
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to take inhibitor lock: %w", err)
	}
	logger.WithField("reason", why).Debug("inhibitor lock taken")
	return &Inhibitor{fd: fd, conn: conn, logger: logger}, nil
}

// Release gives the lock back. It is safe to call on a nil Inhibitor.
func (i *Inhibitor) Release() {
	if i == nil {
		return
	}
	if err := i.fd.Close(); err != nil {
		i.logger.WithError(err).Warn("failed to release inhibitor lock")
	}
	i.conn.Close()
	i.logger.Debug("inhibitor lock released")
}
