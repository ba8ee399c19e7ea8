package domain

// MetricID names an aggregate statistic computable over a scan.
type MetricID string

const (
	MetricStepsTotal       MetricID = "steps.count_total"
	MetricDistanceTotal    MetricID = "distance.meters_total"
	MetricCaloriesTotal    MetricID = "active_calories.kcal_total"
	MetricHeartRateAvg     MetricID = "heart_rate.bpm_avg"
	MetricHeartRateMin     MetricID = "heart_rate.bpm_min"
	MetricHeartRateMax     MetricID = "heart_rate.bpm_max"
	MetricSleepDuration    MetricID = "sleep_session.duration_seconds_total"
	MetricExerciseDuration MetricID = "exercise_session.duration_seconds_total"
)

// AggregationKind determines how record values fold into a bucket total.
type AggregationKind int

const (
	// KindCumulative values are assumed uniformly distributed across the
	// record's span and rescale proportionally to the bucket overlap.
	KindCumulative AggregationKind = iota
	// KindSampled values are point measurements; a sample contributes to the
	// bucket containing its instant, without rescaling.
	KindSampledAvg
	KindSampledMin
	KindSampledMax
	// KindDuration totals the overlap between record intervals and the
	// bucket, in seconds.
	KindDuration
)

// MetricSpec binds a metric to the record type that feeds it.
type MetricSpec struct {
	ID         MetricID
	RecordType RecordType
	Kind       AggregationKind
}

var metricCatalog = map[MetricID]MetricSpec{
	MetricStepsTotal:       {ID: MetricStepsTotal, RecordType: RecordTypeSteps, Kind: KindCumulative},
	MetricDistanceTotal:    {ID: MetricDistanceTotal, RecordType: RecordTypeDistance, Kind: KindCumulative},
	MetricCaloriesTotal:    {ID: MetricCaloriesTotal, RecordType: RecordTypeActiveCalories, Kind: KindCumulative},
	MetricHeartRateAvg:     {ID: MetricHeartRateAvg, RecordType: RecordTypeHeartRate, Kind: KindSampledAvg},
	MetricHeartRateMin:     {ID: MetricHeartRateMin, RecordType: RecordTypeHeartRate, Kind: KindSampledMin},
	MetricHeartRateMax:     {ID: MetricHeartRateMax, RecordType: RecordTypeHeartRate, Kind: KindSampledMax},
	MetricSleepDuration:    {ID: MetricSleepDuration, RecordType: RecordTypeSleepSession, Kind: KindDuration},
	MetricExerciseDuration: {ID: MetricExerciseDuration, RecordType: RecordTypeExerciseSession, Kind: KindDuration},
}

// LookupMetric resolves a metric id to its spec.
func LookupMetric(id MetricID) (MetricSpec, bool) {
	spec, ok := metricCatalog[id]
	return spec, ok
}
