package catalog

// Condition is the market condition entity. The positionIds column is filled
// later by the token-id filler and is not part of the insert column list.
var Condition = &EntityDef{
	Name:   "Condition",
	Plural: "conditions",
	Table:  "condition",
	Fields: "id questionId oracle outcomeSlotCount resolutionTimestamp payoutNumerators payoutDenominator",
	DDL: `CREATE TABLE IF NOT EXISTS condition (
  id VARCHAR PRIMARY KEY,
  questionId VARCHAR,
  oracle VARCHAR,
  outcomeSlotCount INTEGER,
  resolutionTimestamp BIGINT,
  payoutNumerators VARCHAR,
  payoutDenominator BIGINT,
  positionIds VARCHAR
)`,
	Columns: "id, questionId, oracle, outcomeSlotCount, resolutionTimestamp, payoutNumerators, payoutDenominator",
	ToValues: func(item map[string]any) string {
		return Str(item, "id") + ", " +
			Str(item, "questionId") + ", " +
			Str(item, "oracle") + ", " +
			Int(item, "outcomeSlotCount") + ", " +
			Int(item, "resolutionTimestamp") + ", " +
			Array(item, "payoutNumerators") + ", " +
			Int(item, "payoutDenominator")
	},
	SyncMode:   ByResolutionTimestamp,
	OrderField: "resolutionTimestamp",
	WhereField: "resolutionTimestamp_gte",
}

// EnrichedOrderFilled is one side-annotated order fill.
var EnrichedOrderFilled = &EntityDef{
	Name:   "EnrichedOrderFilled",
	Plural: "enrichedOrderFilleds",
	Table:  "enriched_order_filled",
	Fields: "id timestamp maker { id } taker { id } market { id } side size price",
	DDL: `CREATE TABLE IF NOT EXISTS enriched_order_filled (
  id VARCHAR PRIMARY KEY,
  timestamp BIGINT,
  maker VARCHAR,
  taker VARCHAR,
  market VARCHAR,
  side VARCHAR,
  size VARCHAR,
  price DOUBLE
);
CREATE INDEX IF NOT EXISTS idx_eof_ts ON enriched_order_filled (timestamp)`,
	Columns: "id, timestamp, maker, taker, market, side, size, price",
	ToValues: func(item map[string]any) string {
		return Str(item, "id") + ", " +
			Int(item, "timestamp") + ", " +
			Ref(item, "maker") + ", " +
			Ref(item, "taker") + ", " +
			Ref(item, "market") + ", " +
			Str(item, "side") + ", " +
			Str(item, "size") + ", " +
			Decimal(item, "price")
	},
	SyncMode:   ByTimestamp,
	OrderField: "timestamp",
	WhereField: "timestamp_gte",
}

func stakeholderValues(item map[string]any) string {
	return Str(item, "id") + ", " +
		Int(item, "timestamp") + ", " +
		Str(item, "stakeholder") + ", " +
		Str(item, "condition") + ", " +
		Str(item, "amount")
}

// Split is a position split event.
var Split = &EntityDef{
	Name:   "Split",
	Plural: "splits",
	Table:  "split",
	Fields: "id timestamp stakeholder condition amount",
	DDL: `CREATE TABLE IF NOT EXISTS split (
  id VARCHAR PRIMARY KEY,
  timestamp BIGINT,
  stakeholder VARCHAR,
  condition VARCHAR,
  amount VARCHAR
)`,
	Columns:    "id, timestamp, stakeholder, condition, amount",
	ToValues:   stakeholderValues,
	SyncMode:   ByTimestamp,
	OrderField: "timestamp",
	WhereField: "timestamp_gte",
}

// Merge is a position merge event.
var Merge = &EntityDef{
	Name:   "Merge",
	Plural: "merges",
	Table:  "merge",
	Fields: "id timestamp stakeholder condition amount",
	DDL: `CREATE TABLE IF NOT EXISTS merge (
  id VARCHAR PRIMARY KEY,
  timestamp BIGINT,
  stakeholder VARCHAR,
  condition VARCHAR,
  amount VARCHAR
)`,
	Columns:    "id, timestamp, stakeholder, condition, amount",
	ToValues:   stakeholderValues,
	SyncMode:   ByTimestamp,
	OrderField: "timestamp",
	WhereField: "timestamp_gte",
}

// Redemption is a payout redemption event.
var Redemption = &EntityDef{
	Name:   "Redemption",
	Plural: "redemptions",
	Table:  "redemption",
	Fields: "id timestamp redeemer condition indexSets payout",
	DDL: `CREATE TABLE IF NOT EXISTS redemption (
  id VARCHAR PRIMARY KEY,
  timestamp BIGINT,
  redeemer VARCHAR,
  condition VARCHAR,
  indexSets VARCHAR,
  payout VARCHAR
)`,
	Columns: "id, timestamp, redeemer, condition, indexSets, payout",
	ToValues: func(item map[string]any) string {
		return Str(item, "id") + ", " +
			Int(item, "timestamp") + ", " +
			Str(item, "redeemer") + ", " +
			Str(item, "condition") + ", " +
			Array(item, "indexSets") + ", " +
			Str(item, "payout")
	},
	SyncMode:   ByTimestamp,
	OrderField: "timestamp",
	WhereField: "timestamp_gte",
}

// PnlCondition mirrors conditions from the PnL subgraph, keyed by id. Only
// the positionIds mapping is kept; the filler merges it into condition.
var PnlCondition = &EntityDef{
	Name:   "Condition",
	Plural: "conditions",
	Table:  "pnl_condition",
	Fields: "id positionIds",
	DDL: `CREATE TABLE IF NOT EXISTS pnl_condition (
  id VARCHAR PRIMARY KEY,
  positionIds VARCHAR
)`,
	Columns: "id, positionIds",
	ToValues: func(item map[string]any) string {
		return Str(item, "id") + ", " + Array(item, "positionIds")
	},
	SyncMode:   ByID,
	OrderField: "id",
	WhereField: "id_gt",
}

// All lists every entity the service can sync. Condition and PnlCondition
// share the name "Condition"; ByName tells them apart by table.
var All = []*EntityDef{
	Condition,
	EnrichedOrderFilled,
	Split,
	Merge,
	Redemption,
	PnlCondition,
}
