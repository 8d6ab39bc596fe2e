package domain

import "strings"

// Topic tree conventions. Every topic is scoped by (unit, experiment):
//
//	pioreactor/<unit>/<experiment>/<scope>/...
//
// Broadcast addresses every unit; NoExperiment marks state that outlives an
// experiment (the watchdog, cluster plumbing).
const (
	TopicPrefix  = "pioreactor"
	Broadcast    = "$broadcast"
	NoExperiment = "$experiment"

	// LatestExperimentTopic is retained at the tree root by the leader.
	LatestExperimentTopic = TopicPrefix + "/latest_experiment"
)

// Topic joins parts under the pioreactor prefix.
func Topic(unit, experiment string, parts ...string) string {
	elems := append([]string{TopicPrefix, unit, experiment}, parts...)
	return strings.Join(elems, "/")
}

// StateTopic is the retained lifecycle topic for a job.
func StateTopic(unit, experiment, job string) string {
	return Topic(unit, experiment, job, "$state")
}

// StateSetTopic commands a lifecycle transition.
func StateSetTopic(unit, experiment, job string) string {
	return StateTopic(unit, experiment, job) + "/set"
}

// PropertiesTopic lists a job's settable settings, comma separated.
func PropertiesTopic(unit, experiment, job string) string {
	return Topic(unit, experiment, job, "$properties")
}

// SettingTopic is the retained value of one published setting.
func SettingTopic(unit, experiment, job, setting string) string {
	return Topic(unit, experiment, job, setting)
}

// SettingSetTopic accepts writes to an editable setting.
func SettingSetTopic(unit, experiment, job, setting string) string {
	return SettingTopic(unit, experiment, job, setting) + "/set"
}

// LogsTopic carries LogEntry JSON at the given level.
func LogsTopic(unit, experiment, level string) string {
	return Topic(unit, experiment, "logs", strings.ToLower(level))
}

// DosingEventsTopic carries DosingEvent JSON.
func DosingEventsTopic(unit, experiment string) string {
	return Topic(unit, experiment, "dosing_events")
}

// ODReadingsTopic carries ODReadings JSON.
func ODReadingsTopic(unit, experiment string) string {
	return Topic(unit, experiment, "od_reading", "ods")
}

// ODFusedTopic carries ODFused JSON.
func ODFusedTopic(unit, experiment string) string {
	return Topic(unit, experiment, "od_reading", "od_fused")
}

// MatchTopic reports whether an MQTT filter (with + and # wildcards) matches
// a concrete topic.
func MatchTopic(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
