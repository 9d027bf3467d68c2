package format

import (
	"fmt"
	"strings"
	"time"
)

const noticeLayout = "2006-01-02 15:04:05"

// StartupInfo describes the running service for the startup notice.
type StartupInfo struct {
	Time      time.Time
	Mailbox   string
	Interval  time.Duration
	Senders   []string
	KeepAlive bool
}

func Startup(info StartupInfo) string {
	var b strings.Builder
	b.WriteString("🚀 Email Monitor Started!\n\n")
	fmt.Fprintf(&b, "⏰ Started at: %s\n", info.Time.Format(noticeLayout))
	fmt.Fprintf(&b, "📧 Monitoring: %s\n", info.Mailbox)
	fmt.Fprintf(&b, "🔍 Check interval: %s\n\n", info.Interval)
	b.WriteString("📋 Monitored senders:\n")
	for _, s := range info.Senders {
		fmt.Fprintf(&b, "• %s\n", s)
	}
	b.WriteString("\n✅ Status: Ready to monitor emails\n")
	b.WriteString("📱 You will receive notifications for new emails from the above senders.")
	if info.KeepAlive {
		b.WriteString("\n🔄 Keep-alive: active")
	}
	return b.String()
}

func Shutdown(t time.Time) string {
	return "⏹️ Email Monitor Stopped\n\n" +
		"⏰ Stopped at: " + t.Format(noticeLayout) + "\n" +
		"🚫 Status: Email monitoring has been stopped\n\n" +
		"📝 No new email notifications will be sent until the service is restarted."
}

// CycleFailure is sent on the first failed cycle of a streak.
func CycleFailure(t time.Time, err error, retryIn time.Duration) string {
	msg := "unknown error"
	if err != nil {
		msg = clip(err.Error(), 200)
	}
	return "⚠️ Email Monitor Error\n\n" +
		"⏰ Time: " + t.Format(noticeLayout) + "\n" +
		"🚫 Error: " + msg + "\n\n" +
		"🔄 Status: Attempting to recover...\n" +
		fmt.Sprintf("Service will retry in %s.", retryIn)
}

// Recovery is sent on the first successful cycle after a failure streak.
func Recovery(t time.Time, failures int) string {
	return "✅ Email Monitor Recovered\n\n" +
		"⏰ Time: " + t.Format(noticeLayout) + "\n" +
		fmt.Sprintf("🔁 Failed cycles before recovery: %d", failures)
}

func TestRun(t time.Time) string {
	return "🧪 Email Monitor Test Run\n\n⏰ Time: " + t.Format("15:04:05") + "\n🔍 Running single email check..."
}

// DeliveryFailure is the short fallback sent when a channel rejects an
// alert payload.
func DeliveryFailure(sender, subject string) string {
	return "⚠️ Email delivery failed\n" +
		"From: " + clip(sender, maxSenderRunes) + "\n" +
		"Subject: " + clip(subject, maxSubjectRunes) + "\n" +
		"Check logs for details."
}
