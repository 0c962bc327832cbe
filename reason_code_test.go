package mqttclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReasonCodeString(t *testing.T) {
	assert.Equal(t, "Success", ReasonSuccess.String())
	assert.Equal(t, "Quota exceeded", ReasonQuotaExceeded.String())
	assert.Equal(t, "Reason(0xFE)", ReasonCode(0xFE).String())
}

func TestReasonCodeIsError(t *testing.T) {
	assert.False(t, ReasonSuccess.IsError())
	assert.False(t, ReasonNoMatchingSubscribers.IsError())
	assert.True(t, ReasonUnspecifiedError.IsError())
	assert.True(t, ReasonPacketIDNotFound.IsError())
}

func TestReasonCodeValidForPublishAck(t *testing.T) {
	valid := []ReasonCode{
		ReasonSuccess, ReasonNoMatchingSubscribers, ReasonUnspecifiedError,
		ReasonImplSpecificError, ReasonNotAuthorized, ReasonTopicNameInvalid,
		ReasonPacketIDInUse, ReasonQuotaExceeded, ReasonPayloadFormatInvalid,
	}
	for _, code := range valid {
		assert.True(t, code.validForPublishAck(), code.String())
	}

	for _, code := range []ReasonCode{0x01, ReasonPacketIDNotFound, ReasonProtocolError, ReasonServerBusy} {
		assert.False(t, code.validForPublishAck(), code.String())
	}
}

func TestReasonCodeValidForRelease(t *testing.T) {
	assert.True(t, ReasonSuccess.validForRelease())
	assert.True(t, ReasonPacketIDNotFound.validForRelease())
	assert.False(t, ReasonUnspecifiedError.validForRelease())
	assert.False(t, ReasonNoMatchingSubscribers.validForRelease())
}

func TestConnackV3Mapping(t *testing.T) {
	tests := []struct {
		code   byte
		reason ReasonCode
	}{
		{connackV3Accepted, ReasonSuccess},
		{connackV3BadProtocolVersion, ReasonUnsupportedProtocolVersion},
		{connackV3IdentifierRejected, ReasonClientIDNotValid},
		{connackV3ServerUnavailable, ReasonServerUnavailable},
		{connackV3BadUsernameOrPasswd, ReasonBadUserNameOrPassword},
		{connackV3NotAuthorized, ReasonNotAuthorized},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.reason, reasonFromConnackV3(tt.code))
		assert.Equal(t, tt.code, connackV3FromReason(tt.reason))
	}

	assert.Equal(t, ReasonUnspecifiedError, reasonFromConnackV3(0x42))
	assert.Equal(t, connackV3ServerUnavailable, connackV3FromReason(ReasonBanned))
}
