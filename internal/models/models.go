package models

import (
	"encoding/json"

	"gorm.io/datatypes"
)

// All lists every model migrated into the backing store.
var All = []interface{}{
	&Generation{},
	&Agent{},
	&CreditLog{},
	&AiTask{},
	&DeletedRow{},
}

func unmarshalJSON(raw datatypes.JSON, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
