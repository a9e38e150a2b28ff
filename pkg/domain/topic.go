package domain

import "time"

// TopicKind names an independent certificate ordering scope. Timestamp
// monotonicity is enforced within a topic, never across topics.
type TopicKind string

const (
	TopicCommon    TopicKind = "common"
	TopicSequester TopicKind = "sequester"
	TopicShamir    TopicKind = "shamir"
	TopicRealm     TopicKind = "realm"
)

// Topic is a concrete ordering scope. Realm is set only for TopicRealm.
type Topic struct {
	Kind  TopicKind
	Realm RealmID
}

func CommonTopic() Topic    { return Topic{Kind: TopicCommon} }
func SequesterTopic() Topic { return Topic{Kind: TopicSequester} }
func ShamirTopic() Topic    { return Topic{Kind: TopicShamir} }
func RealmTopic(realm RealmID) Topic {
	return Topic{Kind: TopicRealm, Realm: realm}
}

func (t Topic) String() string {
	if t.Kind == TopicRealm {
		return string(t.Kind) + "/" + t.Realm.String()
	}
	return string(t.Kind)
}

// Index is the global, strictly increasing sequence number assigned to every
// certificate ever accepted, independent of topic.
type Index int64

// Watermarks records, per topic, the highest certificate timestamp already
// applied locally. A zero time means "nothing known, fetch since genesis".
type Watermarks struct {
	Common    time.Time
	Sequester time.Time
	Shamir    time.Time
	Realms    map[RealmID]time.Time
}

// For returns the watermark for a topic, zero when absent.
func (w Watermarks) For(topic Topic) time.Time {
	switch topic.Kind {
	case TopicCommon:
		return w.Common
	case TopicSequester:
		return w.Sequester
	case TopicShamir:
		return w.Shamir
	case TopicRealm:
		return w.Realms[topic.Realm]
	}
	return time.Time{}
}

// Equal reports whether two watermark sets describe the same applied state.
func (w Watermarks) Equal(other Watermarks) bool {
	if !w.Common.Equal(other.Common) ||
		!w.Sequester.Equal(other.Sequester) ||
		!w.Shamir.Equal(other.Shamir) {
		return false
	}
	if len(w.Realms) != len(other.Realms) {
		return false
	}
	for realm, ts := range w.Realms {
		if !ts.Equal(other.Realms[realm]) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so callers can mutate freely.
func (w Watermarks) Clone() Watermarks {
	out := w
	out.Realms = make(map[RealmID]time.Time, len(w.Realms))
	for realm, ts := range w.Realms {
		out.Realms[realm] = ts
	}
	return out
}
