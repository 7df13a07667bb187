package processing

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// MinTopicScore is the number of distinct patterns that must match before
// a topic tag is set. A decisive pattern sets the tag on its own.
const MinTopicScore = 2

// defaultTopics uses a leading "!" to mark decisive patterns.
var defaultTopics = map[string][]string{
	"AEVO": {
		`\baevo\b`,
		`!\bbbig\b`,
		`\bausbild\w*`,
		`\bazubi\w*`,
		`\bauszubild\w*`,
		`\bberufsausbild\w*`,
		`\bunterweis\w*`,
		`\brahmenplan\w*`,
		`\bausbildungsnachweis\w*`,
		`\babschlussprüfung\b`,
		`\bihk\b`,
	},
}

type topic struct {
	tag      string
	patterns []*regexp.Regexp
	decisive []bool
}

// TopicDetector tags a question with the subject areas it mentions so the
// webhook can route it.
type TopicDetector struct {
	topics []topic
}

// NewTopicDetector compiles the tag patterns. A nil or empty map selects
// the built-in AEVO vocabulary; entries in cfg replace built-in tags of the
// same name.
func NewTopicDetector(cfg map[string][]string) (*TopicDetector, error) {
	all := make(map[string][]string, len(defaultTopics)+len(cfg))
	for k, v := range defaultTopics {
		all[k] = v
	}
	for k, v := range cfg {
		all[k] = v
	}

	tags := make([]string, 0, len(all))
	for tag := range all {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	d := &TopicDetector{}
	for _, tag := range tags {
		t := topic{tag: tag}
		for _, p := range all[tag] {
			decisive := strings.HasPrefix(p, "!")
			re, err := regexp.Compile("(?i)" + strings.TrimPrefix(p, "!"))
			if err != nil {
				return nil, fmt.Errorf("invalid pattern for topic %s: %w", tag, err)
			}
			t.patterns = append(t.patterns, re)
			t.decisive = append(t.decisive, decisive)
		}
		d.topics = append(d.topics, t)
	}
	return d, nil
}

// Detect returns the tags whose vocabulary the question uses. The result
// is never nil.
func (d *TopicDetector) Detect(question string) []string {
	tags := []string{}
	for _, t := range d.topics {
		score := 0
		for i, re := range t.patterns {
			if !re.MatchString(question) {
				continue
			}
			if t.decisive[i] {
				score = MinTopicScore
				break
			}
			score++
			if score >= MinTopicScore {
				break
			}
		}
		if score >= MinTopicScore {
			tags = append(tags, t.tag)
		}
	}
	return tags
}
