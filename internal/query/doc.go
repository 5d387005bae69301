// Package query defines the predicate IR used to search document stores.
//
// Predicates are a sealed set of types (Eq, In, Range, Exists, And, All).
// Every backend either evaluates them in memory (Match) or compiles them to
// its native query language (internal/querysql for SQLite). Keeping the set
// small and closed lets each backend implement every predicate exhaustively.
//
// Queries arrive from clients in the mongo-style form the original metadata
// service accepted:
//
//	{"plan_name": "count", "time": {"$gte": 1500000000, "$lt": 1600000000}}
//
// Parse converts that form to a Predicate; Encode converts back.
package query
