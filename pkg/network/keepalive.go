package network

import "time"

// keepaliveLoop sends periodic pings to keep the connection alive
func (e *Endpoint) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			if err := e.conn.Ping(); err != nil {
				e.logger.Warn().Err(err).Msg("keepalive ping failed")
			}
		}
	}
}
