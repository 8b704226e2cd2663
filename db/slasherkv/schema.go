package slasherkv

// The schema will define how to store and retrieve data from the db.
// We have three logical tables for slashing protection plus the
// pruning cursor, mirrored as bolt buckets:
//
//	attestation-records:     target epoch (8, little-endian) ++
//	                         validator index (5 bytes) -> signing root ++
//	                         compressed record body
//	attestation-data-roots:  target epoch (8, little-endian) ++
//	                         validator index (5 bytes) -> signing root
//	slasher-chunks:          chunk kind (1 byte) ++ validator chunk
//	                         index (8, little-endian) ++ chunk index
//	                         (8, little-endian) -> compressed min/max spans
//	pruning-cursor:          validator index (5 bytes) -> oldest retained
//	                         epoch (8, little-endian)
var (
	attestationRecordsBucket   = []byte("attestation-records")
	attestationDataRootsBucket = []byte("attestation-data-roots")
	slasherChunksBucket        = []byte("slasher-chunks")
	pruningCursorBucket        = []byte("pruning-cursor")
)
