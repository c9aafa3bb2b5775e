package natsbus

import (
	"fmt"
	"strings"
)

var subjectToken = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

// TopicEventsRun carries the lifecycle events of one run.
func TopicEventsRun(runID string) string {
	return fmt.Sprintf("events.run.%s", subjectToken.Replace(runID))
}

const (
	TopicEventsAll      = "events.>"
	TopicEventsSchedule = "events.schedule"
)
