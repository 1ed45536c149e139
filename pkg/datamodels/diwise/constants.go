package diwise

const urnPrefix string = "urn:ngsi-ld:"

const (
	//NgsiProxyConfigTypeName is a type name constant for NgsiProxyConfig
	NgsiProxyConfigTypeName string = "NgsiProxyConfig"
	//NgsiProxyConfigIDPrefix contains the mandatory prefix for NgsiProxyConfig ID:s
	NgsiProxyConfigIDPrefix string = urnPrefix + NgsiProxyConfigTypeName + ":"

	//EventSourceURLAttribute names the attribute that holds the push endpoint of a proxy
	EventSourceURLAttribute string = "eventSourceUrl"
)
