package callback

import (
	"strconv"
	"time"
)

// Code classifies the outcome of one job execution.
type Code int

const (
	CodeSuccess Code = 200
	CodeFail    Code = 500
	CodeTimeout Code = 502
)

func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeFail:
		return "fail"
	case CodeTimeout:
		return "timeout"
	default:
		return "code_" + strconv.Itoa(int(c))
	}
}

// Record reports one job execution outcome awaiting delivery.
//
// Record is a value type: copies are independent, so a Record handed to Push
// can be shared between goroutines without further synchronization.
type Record struct {
	LogID      int64     `json:"logId"`
	HandleCode Code      `json:"handleCode"`
	HandleMsg  string    `json:"handleMsg,omitempty"`
	HandleTime time.Time `json:"handleTime"`
}

// NewRecord stamps the outcome with the current time.
func NewRecord(logID int64, code Code, msg string) Record {
	return Record{LogID: logID, HandleCode: code, HandleMsg: msg, HandleTime: time.Now()}
}

func (r Record) Succeeded() bool { return r.HandleCode == CodeSuccess }
