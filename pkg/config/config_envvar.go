package config

// Environment variables
const (

	// nd6LogLevel - defines the level of logging to produce (5 being the most verbose)
	nd6LogLevel = "nd6_loglevel"

	// nd6TimerPeriod - defines the Neighbor Discovery tick in milliseconds
	nd6TimerPeriod = "nd6_timerperiod"

	// nd6DADTransmits - defines the number of duplicate address detection probes
	nd6DADTransmits = "nd6_dadtransmits"

	// nd6NeighborCache - defines the number of neighbor cache entries per interface
	nd6NeighborCache = "nd6_neighborcache"

	// nd6Prometheus - defines the address the prometheus metrics are served on
	nd6Prometheus = "nd6_prometheus"

	// nd6Duration - defines how long a run lasts
	nd6Duration = "nd6_duration"
)
