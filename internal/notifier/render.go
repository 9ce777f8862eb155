package notifier

import (
	"fmt"
	"strings"
	"time"
)

// TextRenderer renders a plain text reminder listing the day's lessons.
type TextRenderer struct{}

type phrases struct {
	header string // remaining, start clock
	minute string
}

var renderPhrases = map[string]phrases{
	"en": {header: "Classes start in %s (%s)", minute: "min"},
	"uk": {header: "Пари починаються через %s (%s)", minute: "хв"},
}

func (TextRenderer) Render(n Notification) (string, error) {
	p, ok := renderPhrases[strings.ToLower(n.Lang)]
	if !ok {
		p = renderPhrases["en"]
	}

	mins := int((n.Left + time.Minute - 1) / time.Minute)
	if mins < 1 {
		mins = 1
	}
	var b strings.Builder
	fmt.Fprintf(&b, p.header, fmt.Sprintf("%d %s", mins, p.minute), n.Boundary.Format("15:04"))

	if len(n.Day.Lessons) > 0 {
		b.WriteString("\n")
	}
	for _, l := range n.Day.Lessons {
		for _, per := range l.Periods {
			b.WriteString("\n")
			fmt.Fprintf(&b, "%d) %s", l.Number, per.DisciplineName)
			if per.Type != "" {
				fmt.Fprintf(&b, " [%s]", per.Type)
			}
		}
	}
	return b.String(), nil
}
