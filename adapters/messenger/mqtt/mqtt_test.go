package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrincipalFromTopicExtractsWildcardSegment(t *testing.T) {
	id := "11111111-1111-1111-1111-111111111111"
	got := principalFromTopic("halcyon", "halcyon/"+id+"/in")
	assert.Equal(t, id, got)
}

func TestPrincipalFromTopicRejectsWrongPrefix(t *testing.T) {
	got := principalFromTopic("halcyon", "other/11111111-1111-1111-1111-111111111111/in")
	assert.Empty(t, got)
}

func TestPrincipalFromTopicRejectsNonInboundSuffix(t *testing.T) {
	got := principalFromTopic("halcyon", "halcyon/11111111-1111-1111-1111-111111111111/out")
	assert.Empty(t, got)
}

func TestPrincipalFromTopicSupportsMultiSegmentPrefix(t *testing.T) {
	id := "11111111-1111-1111-1111-111111111111"
	got := principalFromTopic("home/halcyon", "home/halcyon/"+id+"/in")
	assert.Equal(t, id, got)
}

func TestConfigTopicPrefixDefaultsWhenUnset(t *testing.T) {
	assert.Equal(t, "halcyon", Config{}.topicPrefix())
	assert.Equal(t, "custom", Config{TopicPrefix: "custom"}.topicPrefix())
}
