package region

const RegionHeaderSize = regionHeaderSize
