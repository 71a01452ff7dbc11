package live

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Connections and callbacks are keyed by id. Ids from `NewId` sort in
// creation order, which is how registry snapshots come out in accept order.
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func (self Id) LessThan(b Id) bool {
	for i := range self {
		if self[i] != b[i] {
			return self[i] < b[i]
		}
	}
	return false
}

// uuid text form, e.g. 0190f2c4-9a1e-7d3b-8c55-1f0e2a3b4c5d
func (self Id) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", self[0:4], self[4:6], self[6:8], self[8:10], self[10:16])
}

func (self Id) MarshalJSON() ([]byte, error) {
	return json.Marshal(self.String())
}

func (self *Id) UnmarshalJSON(src []byte) error {
	var idStr string
	if err := json.Unmarshal(src, &idStr); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	id, err := parseId(idStr)
	if err != nil {
		return err
	}
	*self = id
	return nil
}

// accepts the uuid text form with or without dashes
func parseId(idStr string) (Id, error) {
	var id Id
	hexStr := strings.ReplaceAll(idStr, "-", "")
	if len(hexStr) != 2*len(id) {
		return id, fmt.Errorf("id: bad length %q", idStr)
	}
	if _, err := hex.Decode(id[:], []byte(hexStr)); err != nil {
		return id, fmt.Errorf("id: %w", err)
	}
	return id, nil
}
