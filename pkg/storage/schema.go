package storage

import "github.com/epw80/studyhall/pkg/keys"

const (
	// DefaultTableName is the single table holding every entity
	DefaultTableName = "studyhall"

	// Key attribute names
	AttrPK     = "PK"
	AttrSK     = "SK"
	AttrGSI1PK = "GSI1PK"
	AttrGSI1SK = "GSI1SK"
	AttrGSI2PK = "GSI2PK"
	AttrGSI2SK = "GSI2SK"

	// AttrTTL holds the expiry as epoch seconds; the table's TTL setting points at it
	AttrTTL = "expiresAt"

	// AttrEntityType tags every item with its keys.Kind name
	AttrEntityType = "entityType"
)

// TableSchema returns the DynamoDB table creation parameters
type TableSchema struct {
	TableName string
	// Primary key
	PartitionKey string
	SortKey      string
	// Global secondary indexes
	GSI1PartitionKey string
	GSI1SortKey      string
	GSI1Name         string
	GSI2PartitionKey string
	GSI2SortKey      string
	GSI2Name         string
	// Time to live
	TTLAttribute string
}

// GetTableSchema returns the schema configuration for the table
func GetTableSchema(tableName string) TableSchema {
	if tableName == "" {
		tableName = DefaultTableName
	}
	return TableSchema{
		TableName:        tableName,
		PartitionKey:     AttrPK,
		SortKey:          AttrSK,
		GSI1PartitionKey: AttrGSI1PK,
		GSI1SortKey:      AttrGSI1SK,
		GSI1Name:         keys.IndexGSI1,
		GSI2PartitionKey: AttrGSI2PK,
		GSI2SortKey:      AttrGSI2SK,
		GSI2Name:         keys.IndexGSI2,
		TTLAttribute:     AttrTTL,
	}
}
