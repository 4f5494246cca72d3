package relay

import (
	"fmt"
	"log/slog"

	"github.com/miekg/dns"
)

// MDNSDebugger decodes AirPlay/Bonjour mDNS payloads for diagnostic
// logging only. It never mutates the forwarded payload — the listener
// always forwards the original bytes unchanged; this only helps an
// operator see what's being relayed when debug logging is enabled.
type MDNSDebugger struct {
	logger *slog.Logger
}

// NewMDNSDebugger builds a debugger that logs through logger.
func NewMDNSDebugger(logger *slog.Logger) *MDNSDebugger {
	return &MDNSDebugger{logger: logger.With(slog.String("component", "relay.mdns"))}
}

// LogPacket decodes payload as a DNS (mDNS) message and emits a debug
// log line summarizing its questions and answers. Decode failures are
// logged at debug level too and never affect forwarding.
func (d *MDNSDebugger) LogPacket(sender string, payload []byte) {
	var msg dns.Msg
	if err := msg.Unpack(payload); err != nil {
		d.logger.Debug("mdns decode failed", slog.String("sender", sender), slog.String("error", err.Error()))
		return
	}

	d.logger.Debug("mdns packet",
		slog.String("sender", sender),
		slog.String("questions", summarizeQuestions(msg.Question)),
		slog.String("answers", summarizeAnswers(msg.Answer)),
	)
}

func summarizeQuestions(qs []dns.Question) string {
	if len(qs) == 0 {
		return "-"
	}
	s := ""
	for i, q := range qs {
		if i > 0 {
			s += ","
		}
		s += q.Name
	}
	return s
}

func summarizeAnswers(rrs []dns.RR) string {
	if len(rrs) == 0 {
		return "-"
	}
	s := ""
	for i, rr := range rrs {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%s/%s", rr.Header().Name, dns.TypeToString[rr.Header().Rrtype])
	}
	return s
}
