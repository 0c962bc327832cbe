package mqttclient

import "fmt"

// ReasonCode is an MQTT 5.0 reason code. MQTT 3.1.1 connections map their
// CONNACK return codes onto the same values and report acknowledgements as
// ReasonSuccess.
type ReasonCode byte

// Reason codes used by the client.
const (
	ReasonSuccess                    ReasonCode = 0x00
	ReasonNoMatchingSubscribers      ReasonCode = 0x10
	ReasonUnspecifiedError           ReasonCode = 0x80
	ReasonMalformedPacket            ReasonCode = 0x81
	ReasonProtocolError              ReasonCode = 0x82
	ReasonImplSpecificError          ReasonCode = 0x83
	ReasonUnsupportedProtocolVersion ReasonCode = 0x84
	ReasonClientIDNotValid           ReasonCode = 0x85
	ReasonBadUserNameOrPassword      ReasonCode = 0x86
	ReasonNotAuthorized              ReasonCode = 0x87
	ReasonServerUnavailable          ReasonCode = 0x88
	ReasonServerBusy                 ReasonCode = 0x89
	ReasonBanned                     ReasonCode = 0x8A
	ReasonServerShuttingDown         ReasonCode = 0x8B
	ReasonBadAuthMethod              ReasonCode = 0x8C
	ReasonKeepAliveTimeout           ReasonCode = 0x8D
	ReasonSessionTakenOver           ReasonCode = 0x8E
	ReasonTopicNameInvalid           ReasonCode = 0x90
	ReasonPacketIDInUse              ReasonCode = 0x91
	ReasonPacketIDNotFound           ReasonCode = 0x92
	ReasonReceiveMaxExceeded         ReasonCode = 0x93
	ReasonTopicAliasInvalid          ReasonCode = 0x94
	ReasonPacketTooLarge             ReasonCode = 0x95
	ReasonMessageRateTooHigh         ReasonCode = 0x96
	ReasonQuotaExceeded              ReasonCode = 0x97
	ReasonAdminAction                ReasonCode = 0x98
	ReasonPayloadFormatInvalid       ReasonCode = 0x99
	ReasonRetainNotSupported         ReasonCode = 0x9A
	ReasonQoSNotSupported            ReasonCode = 0x9B
	ReasonUseAnotherServer           ReasonCode = 0x9C
	ReasonServerMoved                ReasonCode = 0x9D
	ReasonConnectionRateExceeded     ReasonCode = 0x9F
	ReasonMaxConnectTime             ReasonCode = 0xA0
)

var reasonCodeNames = map[ReasonCode]string{
	ReasonSuccess:                    "Success",
	ReasonNoMatchingSubscribers:      "No matching subscribers",
	ReasonUnspecifiedError:           "Unspecified error",
	ReasonMalformedPacket:            "Malformed Packet",
	ReasonProtocolError:              "Protocol Error",
	ReasonImplSpecificError:          "Implementation specific error",
	ReasonUnsupportedProtocolVersion: "Unsupported Protocol Version",
	ReasonClientIDNotValid:           "Client Identifier not valid",
	ReasonBadUserNameOrPassword:      "Bad User Name or Password",
	ReasonNotAuthorized:              "Not authorized",
	ReasonServerUnavailable:          "Server unavailable",
	ReasonServerBusy:                 "Server busy",
	ReasonBanned:                     "Banned",
	ReasonServerShuttingDown:         "Server shutting down",
	ReasonBadAuthMethod:              "Bad authentication method",
	ReasonKeepAliveTimeout:           "Keep Alive timeout",
	ReasonSessionTakenOver:           "Session taken over",
	ReasonTopicNameInvalid:           "Topic Name invalid",
	ReasonPacketIDInUse:              "Packet Identifier in use",
	ReasonPacketIDNotFound:           "Packet Identifier not found",
	ReasonReceiveMaxExceeded:         "Receive Maximum exceeded",
	ReasonTopicAliasInvalid:          "Topic Alias invalid",
	ReasonPacketTooLarge:             "Packet too large",
	ReasonMessageRateTooHigh:         "Message rate too high",
	ReasonQuotaExceeded:              "Quota exceeded",
	ReasonAdminAction:                "Administrative action",
	ReasonPayloadFormatInvalid:       "Payload format invalid",
	ReasonRetainNotSupported:         "Retain not supported",
	ReasonQoSNotSupported:            "QoS not supported",
	ReasonUseAnotherServer:           "Use another server",
	ReasonServerMoved:                "Server moved",
	ReasonConnectionRateExceeded:     "Connection rate exceeded",
	ReasonMaxConnectTime:             "Maximum connect time",
}

// String returns the description of the reason code.
func (r ReasonCode) String() string {
	if s, ok := reasonCodeNames[r]; ok {
		return s
	}
	return fmt.Sprintf("Reason(0x%02X)", byte(r))
}

// IsError reports whether the code signals a failure (0x80 or above).
func (r ReasonCode) IsError() bool {
	return r >= 0x80
}

// validForPublishAck reports whether r may appear in a PUBACK or PUBREC.
func (r ReasonCode) validForPublishAck() bool {
	switch r {
	case ReasonSuccess, ReasonNoMatchingSubscribers, ReasonUnspecifiedError,
		ReasonImplSpecificError, ReasonNotAuthorized, ReasonTopicNameInvalid,
		ReasonPacketIDInUse, ReasonQuotaExceeded, ReasonPayloadFormatInvalid:
		return true
	}
	return false
}

// validForRelease reports whether r may appear in a PUBREL or PUBCOMP.
func (r ReasonCode) validForRelease() bool {
	return r == ReasonSuccess || r == ReasonPacketIDNotFound
}

// MQTT 3.1.1 CONNACK return codes.
const (
	connackV3Accepted            byte = 0x00
	connackV3BadProtocolVersion  byte = 0x01
	connackV3IdentifierRejected  byte = 0x02
	connackV3ServerUnavailable   byte = 0x03
	connackV3BadUsernameOrPasswd byte = 0x04
	connackV3NotAuthorized       byte = 0x05
)

func reasonFromConnackV3(code byte) ReasonCode {
	switch code {
	case connackV3Accepted:
		return ReasonSuccess
	case connackV3BadProtocolVersion:
		return ReasonUnsupportedProtocolVersion
	case connackV3IdentifierRejected:
		return ReasonClientIDNotValid
	case connackV3ServerUnavailable:
		return ReasonServerUnavailable
	case connackV3BadUsernameOrPasswd:
		return ReasonBadUserNameOrPassword
	case connackV3NotAuthorized:
		return ReasonNotAuthorized
	default:
		return ReasonUnspecifiedError
	}
}

func connackV3FromReason(r ReasonCode) byte {
	switch r {
	case ReasonSuccess:
		return connackV3Accepted
	case ReasonUnsupportedProtocolVersion:
		return connackV3BadProtocolVersion
	case ReasonClientIDNotValid:
		return connackV3IdentifierRejected
	case ReasonBadUserNameOrPassword:
		return connackV3BadUsernameOrPasswd
	case ReasonNotAuthorized:
		return connackV3NotAuthorized
	default:
		return connackV3ServerUnavailable
	}
}
