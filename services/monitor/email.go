package monitor

import (
	"context"
	"fmt"
	"html"
	"net/smtp"
	"strings"
	"time"

	"awardwatch-backend/lib/scrapers/cathay"
	"awardwatch-backend/services/watches"

	"github.com/jordan-wright/email"
	"go.opentelemetry.io/otel/codes"
)

type SmtpConfig struct {
	Server       string `json:"server"`
	Port         int    `json:"port"`
	EmailAddress string `json:"emailAddress"`
	Password     string `json:"password"`
}

// SmtpSender is the production Sender.
type SmtpSender struct {
	config SmtpConfig
}

func NewSmtpSender(config SmtpConfig) SmtpSender {
	return SmtpSender{config: config}
}

func (s SmtpSender) Send(ctx context.Context, to, subject, htmlBody string) error {
	_, span := tracer.Start(ctx, "smtp:Send")
	defer span.End()

	mail := email.NewEmail()
	mail.From = fmt.Sprintf("Award Watch <%s>", s.config.EmailAddress)
	mail.To = []string{to}
	mail.Subject = subject
	mail.HTML = []byte(htmlBody)

	err := mail.Send(
		fmt.Sprintf("%s:%d", s.config.Server, s.config.Port),
		smtp.PlainAuth("", s.config.EmailAddress, s.config.Password, s.config.Server),
	)
	if err != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = mail.Send(fmt.Sprintf("%s:%d", s.config.Server, s.config.Port), nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send email")
		return err
	}
	return nil
}

func prettyDate(ymd string) string {
	d, err := time.Parse("20060102", ymd)
	if err != nil {
		return ymd
	}
	return d.Format("Mon, Jan 2 2006")
}

func describeFlight(f cathay.FlightOption) string {
	route := fmt.Sprintf("%s to %s", f.Origin, f.Destination)
	if f.StopCity != "" {
		route = fmt.Sprintf("%s via %s", route, f.StopCity)
	}

	var seats []string
	if f.Availability.First > 0 {
		seats = append(seats, fmt.Sprintf("first %d", f.Availability.First))
	}
	if f.Availability.Business > 0 {
		seats = append(seats, fmt.Sprintf("business %d", f.Availability.Business))
	}
	if f.Availability.Premium > 0 {
		seats = append(seats, fmt.Sprintf("premium %d", f.Availability.Premium))
	}
	if f.Availability.Economy > 0 {
		seats = append(seats, fmt.Sprintf("economy %d", f.Availability.Economy))
	}

	return fmt.Sprintf("%s, %s, %dh%02dm (%s)",
		strings.Join(f.FlightNumbers, "+"), route,
		f.DurationMinutes/60, f.DurationMinutes%60,
		strings.Join(seats, ", "))
}

// renderMatchEmail produces the notification body: one list per matching
// day, one line per matching flight.
func renderMatchEmail(w watches.Watch, found []cathay.SearchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<p>Your watch <b>%s to %s</b> (%s to %s) has award availability:</p>",
		html.EscapeString(w.From), html.EscapeString(w.To),
		html.EscapeString(w.StartDate), html.EscapeString(w.EndDate))

	for _, day := range found {
		fmt.Fprintf(&b, "<h3>%s</h3><ul>", prettyDate(day.DateYMD))
		for _, f := range day.Flights {
			fmt.Fprintf(&b, "<li>%s</li>", html.EscapeString(describeFlight(f)))
		}
		b.WriteString("</ul>")
	}

	b.WriteString("<p>Book soon: award space comes and goes quickly.</p>")
	return b.String()
}
