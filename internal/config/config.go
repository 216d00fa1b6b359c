// Package config parses the colon-delimited key/value session
// configuration consumed by the session controller.
//
// Example:
//
//	IS_DUPLEX:YES
//	INITIATE_LOGON:YES
//	SESSION_DAYS:MO,TU,WE,TH,FR
//	FIX_APPLICATION_VERSION:FIX_4_2
//	FIX_SESSION_VERSION:NO_FIXT
//	HEARTBEAT_INTERVAL:30
//	TEST_REQUEST_DELAY:5
//	SESSION_WARM_UP_TIME:300
//	SESSION_START:08:00
//	SESSION_END:17:30
//	TIMEZONE:Europe/Copenhagen
//	ENDPOINT_IN_OUT:?C203.0.113.17|9898
package config

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/rishav/fix-gateway/internal/fixmsg"
)

// Config file keys.
const (
	keyDuplex            = "IS_DUPLEX"
	keyInitiateLogon     = "INITIATE_LOGON"
	keyResetSeqNumbers   = "RESET_SEQ_NUMBERS_AT_LOGON"
	keySessionDays       = "SESSION_DAYS"
	keyAppVersion        = "FIX_APPLICATION_VERSION"
	keySessionVersion    = "FIX_SESSION_VERSION"
	keyHeartbeatInterval = "HEARTBEAT_INTERVAL"
	keyTestRequestDelay  = "TEST_REQUEST_DELAY"
	keyWarmUpTime        = "SESSION_WARM_UP_TIME"
	keySessionStart      = "SESSION_START"
	keySessionEnd        = "SESSION_END"
	keyTimezone          = "TIMEZONE"
	keyEndpointInGoing   = "ENDPOINT_IN_GOING"
	keyEndpointOutGoing  = "ENDPOINT_OUT_GOING"
	keyEndpointInOut     = "ENDPOINT_IN_OUT"
)

// EndpointKind says whether an endpoint is dialed or listened on.
type EndpointKind int

const (
	ConnectToThis EndpointKind = iota
	ListenOnThis
)

// Endpoint is one side of a session wiring, parsed from the triple
// "<family:?|4|6><kind:C|L><address>|<port>".
type Endpoint struct {
	Family  byte // '?', '4' or '6'
	Kind    EndpointKind
	Address string
	Port    int
}

// Network maps the endpoint family to a net package network name.
func (e Endpoint) Network() string {
	switch e.Family {
	case '4':
		return "tcp4"
	case '6':
		return "tcp6"
	default:
		return "tcp"
	}
}

// HostPort renders the dial or listen address.
func (e Endpoint) HostPort() string {
	return e.Address + ":" + strconv.Itoa(e.Port)
}

// ParseEndpoint parses an endpoint triple.
func ParseEndpoint(s string) (Endpoint, error) {
	if len(s) < 3 {
		return Endpoint{}, errors.Errorf("config: endpoint too short: %q", s)
	}

	var ep Endpoint
	switch s[0] {
	case '?', '4', '6':
		ep.Family = s[0]
	default:
		return Endpoint{}, errors.Errorf("config: bad endpoint family in %q", s)
	}
	switch s[1] {
	case 'C':
		ep.Kind = ConnectToThis
	case 'L':
		ep.Kind = ListenOnThis
	default:
		return Endpoint{}, errors.Errorf("config: bad endpoint kind in %q", s)
	}

	rest := s[2:]
	sep := strings.LastIndexByte(rest, '|')
	if sep < 0 {
		return Endpoint{}, errors.Errorf("config: missing port in %q", s)
	}
	port, err := strconv.Atoi(rest[sep+1:])
	if err != nil || port < 0 || port > 65535 {
		return Endpoint{}, errors.Errorf("config: bad port in %q", s)
	}
	ep.Address = rest[:sep]
	ep.Port = port
	return ep, nil
}

var dayCodes = map[string]time.Weekday{
	"SU": time.Sunday,
	"MO": time.Monday,
	"TU": time.Tuesday,
	"WE": time.Wednesday,
	"TH": time.Thursday,
	"FR": time.Friday,
	"SA": time.Saturday,
}

// Session is the immutable configuration snapshot consumed at session
// construction.
type Session struct {
	IsDuplex               bool
	InitiateLogon          bool
	ResetSeqNumbersAtLogon bool

	Days map[time.Weekday]bool

	AppVersion     fixmsg.Version
	SessionVersion fixmsg.Version
	HasSessionVer  bool

	HeartbeatInterval time.Duration
	TestRequestDelay  time.Duration
	WarmUpTime        time.Duration

	// StartMinute and EndMinute are minutes since midnight in Location.
	// Equal values mean the session never ends.
	StartMinute int
	EndMinute   int
	Location    *time.Location

	InGoing  Endpoint
	OutGoing Endpoint
}

// BeginString returns the wire value of tag 8 for the session: the session
// layer version when FIXT is configured, the application version otherwise.
func (s *Session) BeginString() string {
	if s.HasSessionVer && s.SessionVersion == fixmsg.VersionT11 {
		return s.SessionVersion.BeginString()
	}
	return s.AppVersion.BeginString()
}

// Load reads a session configuration file.
func Load(path string) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: open")
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads colon-delimited key/value lines. Blank lines and lines
// starting with '#' are skipped.
func Parse(r io.Reader) (*Session, error) {
	s := &Session{
		Days:     make(map[time.Weekday]bool),
		Location: time.UTC,
	}

	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, found := strings.Cut(line, ":")
		if !found {
			return nil, errors.Errorf("config: line %d: missing ':'", lineno)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if err := s.apply(key, value); err != nil {
			return nil, errors.Wrapf(err, "config: line %d", lineno)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "config: read")
	}

	if len(s.Days) == 0 {
		return nil, errors.New("config: no session days")
	}
	return s, nil
}

func (s *Session) apply(key, value string) error {
	switch key {
	case keyDuplex:
		s.IsDuplex = value == "YES"
	case keyInitiateLogon:
		s.InitiateLogon = value == "YES"
	case keyResetSeqNumbers:
		s.ResetSeqNumbersAtLogon = value == "YES"

	case keySessionDays:
		for _, code := range strings.Split(value, ",") {
			day, ok := dayCodes[strings.TrimSpace(code)]
			if !ok {
				return errors.Errorf("unknown day code %q", code)
			}
			s.Days[day] = true
		}

	case keyAppVersion:
		v, ok := fixmsg.ParseConfigVersion(value)
		if !ok {
			return errors.Errorf("unknown FIX version %q", value)
		}
		s.AppVersion = v

	case keySessionVersion:
		v, ok := fixmsg.ParseConfigVersion(value)
		if !ok {
			return errors.Errorf("unknown FIX session version %q", value)
		}
		s.SessionVersion = v
		s.HasSessionVer = true

	case keyHeartbeatInterval, keyTestRequestDelay, keyWarmUpTime:
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return errors.Wrapf(err, "bad %s", key)
		}
		d := time.Duration(n) * time.Second
		switch key {
		case keyHeartbeatInterval:
			s.HeartbeatInterval = d
		case keyTestRequestDelay:
			s.TestRequestDelay = d
		default:
			s.WarmUpTime = d
		}

	case keySessionStart, keySessionEnd:
		minute, err := parseHHMM(value)
		if err != nil {
			return err
		}
		if key == keySessionStart {
			s.StartMinute = minute
		} else {
			s.EndMinute = minute
		}

	case keyTimezone:
		loc, err := time.LoadLocation(value)
		if err != nil {
			return errors.Wrapf(err, "bad timezone %q", value)
		}
		s.Location = loc

	case keyEndpointInGoing:
		ep, err := ParseEndpoint(value)
		if err != nil {
			return err
		}
		s.InGoing = ep
	case keyEndpointOutGoing:
		ep, err := ParseEndpoint(value)
		if err != nil {
			return err
		}
		s.OutGoing = ep
	case keyEndpointInOut:
		ep, err := ParseEndpoint(value)
		if err != nil {
			return err
		}
		s.InGoing = ep
		s.OutGoing = ep

	default:
		return errors.Errorf("unknown key %q", key)
	}
	return nil
}

// parseHHMM converts "HH:MM" to minutes since midnight.
func parseHHMM(s string) (int, error) {
	hh, mm, found := strings.Cut(s, ":")
	if !found {
		return 0, errors.Errorf("bad HH:MM value %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, errors.Errorf("bad hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, errors.Errorf("bad minute in %q", s)
	}
	return h*60 + m, nil
}
