package redisstub

import (
	"bufio"
	"strconv"
	"strings"
	"time"
)

type counter struct {
	value   int64
	expires time.Time
}

// Counter returns the value stored under key, or 0 when it is missing or
// expired.
func (s *Server) Counter(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.counterLocked(key, time.Now()); c != nil {
		return c.value
	}
	return 0
}

func (s *Server) counterLocked(key string, now time.Time) *counter {
	c, ok := s.counters[key]
	if !ok {
		return nil
	}
	if !c.expires.IsZero() && !now.Before(c.expires) {
		delete(s.counters, key)
		return nil
	}
	return c
}

func (s *Server) counterCommand(w *bufio.Writer, args []string) error {
	name := strings.ToLower(args[0])
	now := time.Now()
	switch name {
	case "incr":
		if len(args) != 2 {
			return writeError(w, "ERR wrong number of arguments for 'incr'")
		}
		s.mu.Lock()
		c := s.counterLocked(args[1], now)
		if c == nil {
			c = &counter{}
			s.counters[args[1]] = c
		}
		c.value++
		value := c.value
		s.mu.Unlock()
		return writeInteger(w, value)
	case "expire":
		if len(args) != 3 {
			return writeError(w, "ERR wrong number of arguments for 'expire'")
		}
		seconds, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return writeError(w, "ERR value is not an integer or out of range")
		}
		s.mu.Lock()
		c := s.counterLocked(args[1], now)
		if c != nil {
			c.expires = now.Add(time.Duration(seconds) * time.Second)
		}
		s.mu.Unlock()
		if c == nil {
			return writeInteger(w, 0)
		}
		return writeInteger(w, 1)
	default:
		if len(args) != 2 {
			return writeError(w, "ERR wrong number of arguments for 'ttl'")
		}
		s.mu.Lock()
		c := s.counterLocked(args[1], now)
		var ttl int64 = -2
		if c != nil {
			ttl = -1
			if !c.expires.IsZero() {
				ttl = int64((c.expires.Sub(now) + time.Second - 1) / time.Second)
			}
		}
		s.mu.Unlock()
		return writeInteger(w, ttl)
	}
}
