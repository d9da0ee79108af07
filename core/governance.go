package core

// Governance parameter snapshot — a read-only view of the protocol knobs
// named throughout §6's defaults, exposed so operators and the CLI can
// inspect the live configuration without reaching into each subsystem's
// private state. This is deliberately read-only: parameter changes happen
// through redeployment/config reload, not an on-chain governance vote,
// which the specification's scope does not define.
type ParameterSet struct {
	RatchetRotationMessages int
	RatchetRotationSeconds  int

	ReorderWindowDepth   int
	ReorderWindowSeconds int

	RelayMaxRetentionHours int
	RelayClassWeights      map[Priority]int

	MeshDegreeDefault int
	MeshDegreeMin     int
	MeshDegreeMax     int
	DHTRefreshMinutes int

	ConsensusBlockTimeSeconds         int
	ConsensusEpochBlocks              int
	ConsensusInitialRoundTimeoutSecs  int
	ConsensusMaxRoundTimeoutSecs      int

	CrossConfirmationDepth int
	CrossTimeoutSeconds    int

	RateBucketCapacityBase float64
	RateRefillBaseRPS      float64
}

// DefaultParameterSet mirrors §6's defaults.
func DefaultParameterSet() ParameterSet {
	return ParameterSet{
		RatchetRotationMessages: DefaultRatchetIntervalMessages,
		RatchetRotationSeconds:  DefaultRatchetIntervalSeconds,

		ReorderWindowDepth:   DefaultReorderWindowDepth,
		ReorderWindowSeconds: int(DefaultReorderWindowSeconds.Seconds()),

		RelayMaxRetentionHours: int(DefaultMaxRetention.Hours()),
		RelayClassWeights:      DefaultClassWeights,

		MeshDegreeDefault: DefaultMeshDegree,
		MeshDegreeMin:     MinMeshDegree,
		MeshDegreeMax:     MaxMeshDegree,
		DHTRefreshMinutes: int(DefaultRefreshPeriod.Minutes()),

		ConsensusBlockTimeSeconds:        int(DefaultBlockTime.Seconds()),
		ConsensusEpochBlocks:             DefaultEpochBlocks,
		ConsensusInitialRoundTimeoutSecs: int(DefaultInitialRoundTimeout.Seconds()),
		ConsensusMaxRoundTimeoutSecs:     int(DefaultMaxRoundTimeout.Seconds()),

		CrossConfirmationDepth: DefaultConfirmationDepth,
		CrossTimeoutSeconds:    int(DefaultCrossTimeout.Seconds()),

		RateBucketCapacityBase: DefaultBucketCapacityBase,
		RateRefillBaseRPS:      DefaultRefillBaseRPS,
	}
}
